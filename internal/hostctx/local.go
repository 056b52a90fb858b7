package hostctx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/kr/pty"

	"gritsync/internal/errs"
	"gritsync/internal/ports"
	"gritsync/internal/term"
)

// LocalHost runs commands directly on the machine gritsync itself is
// running on.
type LocalHost struct {
	name string
	os   OSKind

	// UsePTY allocates a pseudo-terminal for Popen'd processes so tools
	// that only colorize/line-buffer when attached to a tty (inotifywait,
	// the DVCS daemon with color.ui=always) behave the same as they would
	// run interactively.
	UsePTY bool

	debug *term.Writer

	mu       sync.Mutex
	env      map[string]string
	homeOnce sync.Once
	homeVal  string
	homeErr  error
	unameOnce sync.Once
	unameVal  string
	unameErr  error
}

// NewLocalHost constructs a LocalHost for the current OS, with PATH
// extended per the OS-dispatch rules in osdispatch.go.
func NewLocalHost(usePTY bool) *LocalHost {
	kind := detectLocalOS()
	env := mergeEnvPath(envAsMap(os.Environ()), string(os.PathListSeparator), extraPath(kind, ""))
	return &LocalHost{name: "local", os: kind, UsePTY: usePTY, env: env}
}

// SetDebugWriter routes every subsequent Run/Popen invocation through w at
// debug level (host name, argv, duration; stderr tail on failure). Passing
// nil (the default) disables this logging entirely.
func (h *LocalHost) SetDebugWriter(w *term.Writer) { h.debug = w }

func detectLocalOS() OSKind {
	switch runtime.GOOS {
	case "darwin":
		return OSDarwin
	case "windows":
		return OSWindows
	default:
		return OSLinux
	}
}

func envAsMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func (h *LocalHost) Name() string  { return h.name }
func (h *LocalHost) Kind() Kind    { return KindLocal }
func (h *LocalHost) OS() OSKind    { return h.os }
func (h *LocalHost) Env() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.env))
	for k, v := range h.env {
		out[k] = v
	}
	return out
}

func (h *LocalHost) envSlice() []string {
	env := h.Env()
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (h *LocalHost) Run(ctx context.Context, argv []string) (RunResult, error) {
	start := time.Now()
	if len(argv) == 0 {
		return RunResult{}, errors.New("empty argv")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		err := &errs.DependencyMissingError{Host: h.name, Tool: argv[0]}
		logRun(h.debug, h.name, argv, start, RunResult{}, err)
		return RunResult{}, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = h.envSlice()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			wrapped := fmt.Errorf("%s: running %v: %w", h.name, argv, err)
			logRun(h.debug, h.name, argv, start, RunResult{}, wrapped)
			return RunResult{}, wrapped
		}
	}
	res := RunResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}
	logRun(h.debug, h.name, argv, start, res, nil)
	return res, nil
}

// localProcessHandle wraps a running *exec.Cmd, whether its I/O came from
// plain os.Pipe (stdout/stderr separated) or a shared pty (merged).
type localProcessHandle struct {
	cmd     *exec.Cmd
	pid     int
	stdout  io.Reader
	stderr  io.Reader
	ptyFile *os.File
}

func (p *localProcessHandle) PID() int          { return p.pid }
func (p *localProcessHandle) Stdout() io.Reader { return p.stdout }
func (p *localProcessHandle) Stderr() io.Reader { return p.stderr }

func (p *localProcessHandle) Wait() error {
	err := p.cmd.Wait()
	if p.ptyFile != nil {
		_ = p.ptyFile.Close()
	}
	return err
}

func (p *localProcessHandle) Signal() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(terminateSignal())
}

func (p *localProcessHandle) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (h *LocalHost) Popen(ctx context.Context, argv []string) (ProcessHandle, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty argv")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		err := &errs.DependencyMissingError{Host: h.name, Tool: argv[0]}
		logPopen(h.debug, h.name, argv, err)
		return nil, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = h.envSlice()

	if h.UsePTY && runtime.GOOS != "windows" {
		f, err := pty.Start(cmd)
		if err != nil {
			wrapped := fmt.Errorf("%s: allocating pty for %v: %w", h.name, argv, err)
			logPopen(h.debug, h.name, argv, wrapped)
			return nil, wrapped
		}
		logPopen(h.debug, h.name, argv, nil)
		return &localProcessHandle{cmd: cmd, pid: cmd.Process.Pid, stdout: f, stderr: f, ptyFile: f}, nil
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		wrapped := fmt.Errorf("%s: starting %v: %w", h.name, argv, err)
		logPopen(h.debug, h.name, argv, wrapped)
		return nil, wrapped
	}
	logPopen(h.debug, h.name, argv, nil)
	return &localProcessHandle{cmd: cmd, pid: cmd.Process.Pid, stdout: stdout, stderr: stderr}, nil
}

func (h *LocalHost) Upload(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(remotePath), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(remotePath)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

func (h *LocalHost) Path(p string) (string, error) {
	return expandAndNormalize(p, h.homeForPath, h.os)
}

func (h *LocalHost) homeForPath() (string, error) {
	return h.Home(context.Background())
}

func (h *LocalHost) Home(ctx context.Context) (string, error) {
	h.homeOnce.Do(func() {
		u, err := user.Current()
		if err != nil {
			h.homeErr = err
			return
		}
		h.homeVal = u.HomeDir
	})
	return h.homeVal, h.homeErr
}

func (h *LocalHost) Uname(ctx context.Context) (string, error) {
	h.unameOnce.Do(func() {
		if h.os == OSWindows {
			h.unameVal = "windows"
			return
		}
		res, err := h.Run(ctx, []string{"uname"})
		if err != nil {
			h.unameErr = err
			return
		}
		h.unameVal = strings.TrimSpace(res.Stdout)
	})
	return h.unameVal, h.unameErr
}

func (h *LocalHost) PortsInUse(ctx context.Context) (map[int]bool, error) {
	argv := netstatArgv(h.os)
	res, err := h.Run(ctx, argv)
	if err != nil {
		return nil, err
	}
	return ports.ParseNetstatPorts(res.Stdout), nil
}

func netstatArgv(kind OSKind) []string {
	if kind == OSWindows {
		return []string{"netstat", "-an"}
	}
	return []string{"netstat", "-an"}
}
