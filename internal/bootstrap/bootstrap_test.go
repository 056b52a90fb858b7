package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"gritsync/internal/dvcs"
	"gritsync/internal/hostctx"
	"gritsync/internal/ports"
)

// fakeProcess is a no-op hostctx.ProcessHandle for StartDaemon calls.
type fakeProcess struct{ pid int }

func (p *fakeProcess) PID() int          { return p.pid }
func (p *fakeProcess) Stdout() io.Reader { return bytes.NewReader(nil) }
func (p *fakeProcess) Stderr() io.Reader { return bytes.NewReader(nil) }
func (p *fakeProcess) Wait() error       { return nil }
func (p *fakeProcess) Signal() error     { return nil }
func (p *fakeProcess) Kill() error       { return nil }

// fakeHost answers the handful of shell invocations bootstrap's codepaths
// issue, keyed by scenario fields rather than a generic script interpreter.
type fakeHost struct {
	name       string
	tailHash   string
	pathEmpty  bool
	metaExists bool // whether the .grit metadata dir already exists
	pullErr    string // stderr to return from merge, simulating MergeBlocked

	committed bool // becomes true once a "grit commit" has been scripted
	commands  []string
	nextPID   int
}

// seededHash is the canned tail hash a fakeHost reports once it has been
// committed to during the test (standing in for whatever hash a real
// "grit commit --allow-empty" would produce).
const seededHash = "seeded-root-hash"

func (h *fakeHost) Name() string               { return h.name }
func (h *fakeHost) Kind() hostctx.Kind          { return hostctx.KindLocal }
func (h *fakeHost) OS() hostctx.OSKind          { return hostctx.OSLinux }
func (h *fakeHost) Env() map[string]string      { return nil }
func (h *fakeHost) Path(p string) (string, error) { return p, nil }
func (h *fakeHost) Home(ctx context.Context) (string, error)       { return "/home/u", nil }
func (h *fakeHost) Uname(ctx context.Context) (string, error)      { return "Linux", nil }
func (h *fakeHost) PortsInUse(ctx context.Context) (map[int]bool, error) { return nil, nil }
func (h *fakeHost) Upload(ctx context.Context, local, remote string) error { return nil }

func (h *fakeHost) Popen(ctx context.Context, argv []string) (hostctx.ProcessHandle, error) {
	h.commands = append(h.commands, strings.Join(argv, " "))
	h.nextPID++
	return &fakeProcess{pid: 1000 + h.nextPID}, nil
}

func (h *fakeHost) Run(ctx context.Context, argv []string) (hostctx.RunResult, error) {
	joined := strings.Join(argv, " ")
	h.commands = append(h.commands, joined)

	switch {
	case strings.Contains(joined, "rev-list --max-parents=0 HEAD"):
		if h.tailHash == "" && h.committed {
			return hostctx.RunResult{Stdout: seededHash}, nil
		}
		return hostctx.RunResult{Stdout: h.tailHash}, nil
	case strings.Contains(joined, "rev-parse HEAD"):
		if h.tailHash == "" && h.committed {
			return hostctx.RunResult{Stdout: seededHash}, nil
		}
		return hostctx.RunResult{Stdout: h.tailHash}, nil
	case argv[0] == "test" && argv[1] == "-e":
		if strings.HasSuffix(argv[2], "/.grit") {
			if h.metaExists {
				return hostctx.RunResult{ExitCode: 0}, nil
			}
			return hostctx.RunResult{ExitCode: 1}, nil
		}
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "ln -sfn"):
		return hostctx.RunResult{ExitCode: 0}, nil
	case argv[0] == "sh" && strings.Contains(joined, "ls -A"):
		if h.pathEmpty {
			return hostctx.RunResult{ExitCode: 0}, nil
		}
		return hostctx.RunResult{ExitCode: 1}, nil
	case argv[0] == "mkdir":
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "grit init"):
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "cat >"):
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "grit commit"):
		h.committed = true
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "grit add"):
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "grit fetch"):
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "grit merge"):
		if h.pullErr != "" {
			return hostctx.RunResult{ExitCode: 1, Stderr: h.pullErr}, nil
		}
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "grit remote"):
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "grit config"):
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.HasPrefix(joined, "cat "):
		return hostctx.RunResult{ExitCode: 1, Stderr: "no such file"}, nil
	case argv[0] == "rm":
		return hostctx.RunResult{ExitCode: 0}, nil
	default:
		return hostctx.RunResult{ExitCode: 1, Stderr: "unknown: " + joined}, nil
	}
}

func newSide(name, tailHash string, empty bool) (Side, *fakeHost) {
	h := &fakeHost{name: name, tailHash: tailHash, pathEmpty: empty, metaExists: tailHash != ""}
	return Side{
		Host:        h,
		Client:      dvcs.New(h),
		Path:        "/sync/" + name,
		StateDir:    "/state/" + name,
		PidfilePath: "/state/" + name + "/daemon.pid",
	}, h
}

func newBootstrapper(local, remote Side) *Bootstrapper {
	return &Bootstrapper{
		Local:         local,
		Remote:        remote,
		Ports:         ports.Triple{BindPort: 34010, ConnectPort: 34011, MonitorPort: 34012},
		DefaultIgnore: "*.lock\n",
	}
}

func TestBootstrapBothFreshSeedsFromLocal(t *testing.T) {
	local, localHost := newSide("local", "", true)
	remote, remoteHost := newSide("remote", "", true)
	b := newBootstrapper(local, remote)

	action, _, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if action != ActionFreshInit {
		t.Errorf("action = %v, want ActionFreshInit", action)
	}
	if !containsSubstr(localHost.commands, "grit init") {
		t.Error("expected local to be grit-init'd")
	}
	if !containsSubstr(remoteHost.commands, "grit init") {
		t.Error("expected remote to be grit-init'd")
	}
}

func TestBootstrapSeedsRemoteFromLocal(t *testing.T) {
	local, _ := newSide("local", "abc123", false)
	remote, _ := newSide("remote", "", true)
	b := newBootstrapper(local, remote)

	action, _, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if action != ActionSeedFromLocal {
		t.Errorf("action = %v, want ActionSeedFromLocal", action)
	}
}

func TestBootstrapSeedsLocalFromRemote(t *testing.T) {
	local, _ := newSide("local", "", true)
	remote, _ := newSide("remote", "abc123", false)
	b := newBootstrapper(local, remote)

	action, _, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if action != ActionSeedFromRemote {
		t.Errorf("action = %v, want ActionSeedFromRemote", action)
	}
}

func TestBootstrapResumesWhenHashesMatch(t *testing.T) {
	local, localHost := newSide("local", "sametail", false)
	remote, remoteHost := newSide("remote", "sametail", false)
	b := newBootstrapper(local, remote)

	action, _, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if action != ActionResume {
		t.Errorf("action = %v, want ActionResume", action)
	}
	if !containsSubstr(localHost.commands, "daemon") {
		t.Error("expected local daemon start on resume")
	}
	if !containsSubstr(remoteHost.commands, "daemon") {
		t.Error("expected remote daemon start on resume")
	}
}

func TestBootstrapFatalOnMismatchedHashes(t *testing.T) {
	local, _ := newSide("local", "aaa", false)
	remote, _ := newSide("remote", "bbb", false)
	b := newBootstrapper(local, remote)

	_, _, err := b.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error on mismatched tail hashes")
	}
	var wantMsg = fmt.Sprintf("local tail %s != remote tail %s", "aaa", "bbb")
	if !strings.Contains(err.Error(), wantMsg) {
		t.Errorf("error = %v, want it to mention both hashes", err)
	}
}

func TestBootstrapRefusesToSeedOverNonEmptyPath(t *testing.T) {
	local, _ := newSide("local", "abc123", false)
	remote, _ := newSide("remote", "", false) // remote has no history but is not empty
	b := newBootstrapper(local, remote)

	_, _, err := b.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error when the empty side is not actually empty")
	}
}

func containsSubstr(haystack []string, substr string) bool {
	for _, s := range haystack {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
