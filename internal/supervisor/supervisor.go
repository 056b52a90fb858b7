// Package supervisor tracks long-running child processes by a
// (host, name) key, persists their PIDs to files, and kills stale
// instances left over from a previous run. There is no parent-child
// process tree here — supervised processes are tracked in a flat
// registry, matching the distilled spec's design note against ambient
// globals or an implicit hierarchy.
package supervisor

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"gritsync/internal/hostctx"
	"gritsync/internal/procinfo"
)

// Key identifies a supervised process slot. At most one live process may
// occupy a given Key at any time.
type Key struct {
	Host string
	Name string
}

// Process is a tracked supervised process.
type Process struct {
	Host        hostctx.Host
	Name        string
	Comm        string
	PID         int
	PidfilePath string
}

// Registry is the flat, explicit table of supervised processes — an
// instance per orchestrator run, not a package-level global.
type Registry struct {
	mu     sync.Mutex
	active map[Key]*Process
	order  []Key // insertion order, for deterministic shutdown
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[Key]*Process)}
}

// PidfilePath returns the conventional pidfile location for name under
// stateDir, using forward slashes (gritsync's state dir is always created
// by gritsync itself, so POSIX-style join is fine even on Windows hosts;
// the shell that reads/writes it tolerates forward slashes in practice).
func PidfilePath(stateDir, name string) string {
	return path.Join(stateDir, name+".pid")
}

// KillPrevious reads the pidfile for (host, name) if present, and if the
// PID it names still belongs to a process whose image matches wantComm,
// terminates it. wantComm is the actual binary/tool name the slot runs
// (e.g. "grit" for the daemon slot, "autossh" or "ssh" for the tunnel
// slot, the probed watch tool for a watcher slot) — never the slot label
// itself, since that's an internal registry key, not anything the OS
// knows about. It always returns nil: an unreadable pidfile, a process
// that is already gone, and a failed kill are all treated as nothing left
// to kill.
func (r *Registry) KillPrevious(ctx context.Context, h hostctx.Host, name, wantComm string, stateDir string) error {
	pidfilePath := PidfilePath(stateDir, name)
	pidStr, ok := readPidFile(ctx, h, pidfilePath)
	if !ok {
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
	if err != nil || pid <= 0 {
		removePidFile(ctx, h, pidfilePath)
		return nil
	}

	if h.Kind() == hostctx.KindLocal {
		matches, err := procinfo.MatchesImage(ctx, h, pid, wantComm)
		if err == nil && !matches {
			// Either the process is gone, or the PID was recycled by
			// something unrelated: don't touch it, just drop the stale
			// pidfile.
			removePidFile(ctx, h, pidfilePath)
			return nil
		}
	}

	argv := killCommandFor(h, pidfilePath, wantComm, pidStr)
	if _, err := h.Run(ctx, argv); err != nil {
		// Best-effort: the distilled spec requires we never fail loudly
		// here, since the common case is "process already exited".
		_ = err
	}
	removePidFile(ctx, h, pidfilePath)
	return nil
}

// killCommandFor dispatches the termination argv by OS: pkill -F with the
// expected command name on POSIX, taskkill /F /PID on Windows (which kills
// by PID without matching the process image).
func killCommandFor(h hostctx.Host, pidfilePath, name, pid string) []string {
	if h.OS() == hostctx.OSWindows {
		return []string{"taskkill", "/F", "/PID", pid}
	}
	return []string{"pkill", "-F", pidfilePath, name}
}

// Register records a newly-started process and writes its pidfile. comm
// is the actual binary/tool name this process runs as, recorded so a
// later KillPrevious (e.g. from ShutdownAll) can match against it. It
// must be called only after KillPrevious for the same key, so that no two
// supervised processes ever share a (host, name) slot.
func (r *Registry) Register(ctx context.Context, h hostctx.Host, name, comm string, pid int, stateDir string) error {
	pidfilePath := PidfilePath(stateDir, name)
	if err := writePidFile(ctx, h, pidfilePath, pid); err != nil {
		return fmt.Errorf("writing pidfile for %s on %s: %w", name, h.Name(), err)
	}
	key := Key{Host: h.Name(), Name: name}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[key]; !exists {
		r.order = append(r.order, key)
	}
	r.active[key] = &Process{Host: h, Name: name, Comm: comm, PID: pid, PidfilePath: pidfilePath}
	return nil
}

// Get returns the currently tracked process for key, if any.
func (r *Registry) Get(key Key) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.active[key]
	return p, ok
}

// Len reports how many processes are currently tracked. Exists mainly so
// tests can assert the at-most-one-per-name invariant without reaching
// into unexported fields.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ShutdownAll iterates the registry in insertion order, retrying each
// termination up to 3 times with a 1s pause, and continues past failures
// so one stuck process doesn't block shutdown of the rest.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	keys := make([]Key, len(r.order))
	copy(keys, r.order)
	r.mu.Unlock()

	for _, key := range keys {
		r.mu.Lock()
		p, ok := r.active[key]
		r.mu.Unlock()
		if !ok {
			continue
		}
		const retries = 3
		var lastErr error
		for attempt := 0; attempt < retries; attempt++ {
			if err := r.KillPrevious(ctx, p.Host, p.Name, p.Comm, path.Dir(p.PidfilePath)); err != nil {
				lastErr = err
				time.Sleep(time.Second)
				continue
			}
			lastErr = nil
			break
		}
		_ = lastErr // best-effort: shutdown continues regardless
		r.mu.Lock()
		delete(r.active, key)
		r.mu.Unlock()
	}
}

func readPidFile(ctx context.Context, h hostctx.Host, pidfilePath string) (string, bool) {
	var argv []string
	if h.OS() == hostctx.OSWindows {
		argv = []string{"cmd", "/c", "type", pidfilePath}
	} else {
		argv = []string{"cat", pidfilePath}
	}
	res, err := h.Run(ctx, argv)
	if err != nil || res.ExitCode != 0 {
		return "", false
	}
	trimmed := strings.TrimSpace(res.Stdout)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

func writePidFile(ctx context.Context, h hostctx.Host, pidfilePath string, pid int) error {
	var argv []string
	if h.OS() == hostctx.OSWindows {
		argv = []string{"cmd", "/c", fmt.Sprintf("echo %d> %s", pid, pidfilePath)}
	} else {
		dir := path.Dir(pidfilePath)
		argv = []string{"sh", "-c", fmt.Sprintf("mkdir -p %q && printf '%%s' %d > %q", dir, pid, pidfilePath)}
	}
	res, err := h.Run(ctx, argv)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exit %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

func removePidFile(ctx context.Context, h hostctx.Host, pidfilePath string) {
	var argv []string
	if h.OS() == hostctx.OSWindows {
		argv = []string{"cmd", "/c", "del", "/f", "/q", pidfilePath}
	} else {
		argv = []string{"rm", "-f", pidfilePath}
	}
	_, _ = h.Run(ctx, argv)
}
