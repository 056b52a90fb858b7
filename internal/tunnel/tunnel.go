// Package tunnel establishes and supervises the bidirectional SSH port
// forward the two DVCS daemons talk through.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gritsync/internal/errs"
	"gritsync/internal/hostctx"
	"gritsync/internal/ports"
	"gritsync/internal/term"
)

// SupervisedName is the Process Supervisor registry name the tunnel
// registers under.
const SupervisedName = "tunnel"

// preferredTools is the fallback chain: autossh reconnects on drop
// transparently, so it is always preferred over plain ssh when available.
var preferredTools = []string{"autossh", "ssh"}

// Pick chooses autossh if present, falling back to ssh. It never fails:
// ssh is assumed always present, since it's also the transport Host uses
// for every remote command.
func Pick(ctx context.Context, h hostctx.Host) string {
	for _, tool := range preferredTools[:len(preferredTools)-1] {
		res, err := h.Run(ctx, []string{tool, "-V"})
		if err == nil && errs.DivineMissingDependency(res.Stderr) == "" {
			return tool
		}
	}
	return "ssh"
}

// Command builds the argv for launching the tunnel: -N (no remote command),
// -L and -R forwarding connect_port to the peer's bind_port in both
// directions, plus -M on macOS for the autossh/ssh monitor port.
func Command(tool, sshTarget string, p ports.Triple, darwin bool) []string {
	argv := []string{tool, "-N",
		"-L", fmt.Sprintf("%d:localhost:%d", p.ConnectPort, p.BindPort),
		"-R", fmt.Sprintf("%d:localhost:%d", p.ConnectPort, p.BindPort),
	}
	if darwin {
		argv = append(argv, "-M", strconv.Itoa(p.MonitorPort))
	}
	argv = append(argv, sshTarget)
	return argv
}

// Manager supervises one running tunnel process.
type Manager struct {
	proc hostctx.ProcessHandle
	tool string
}

// Start launches the tunnel process on h (the host that initiates the
// outbound ssh connection, normally local) and begins forwarding its
// stderr to errLine.
func Start(ctx context.Context, h hostctx.Host, sshTarget string, p ports.Triple, darwin bool, errLine *term.Writer) (*Manager, error) {
	tool := Pick(ctx, h)
	argv := Command(tool, sshTarget, p, darwin)
	proc, err := h.Popen(ctx, argv)
	if err != nil {
		return nil, fmt.Errorf("%s: starting tunnel (%s): %w", h.Name(), tool, err)
	}
	if errLine != nil {
		go errLine.PumpLines(proc.Stderr(), nil)
	}
	return &Manager{proc: proc, tool: tool}, nil
}

// PID returns the tunnel process ID, for Process Supervisor registration.
func (m *Manager) PID() int { return m.proc.PID() }

// Tool reports which binary was actually launched ("autossh" or "ssh"),
// since failure-isolation behavior (§ auto-reconnect) differs between them.
func (m *Manager) Tool() string { return m.tool }

// Wait blocks until the tunnel process exits.
func (m *Manager) Wait() error { return m.proc.Wait() }

// Stop terminates the tunnel process.
func (m *Manager) Stop() error { return m.proc.Kill() }

// Dialer is the dependency WaitReady polls against; net.Dialer.DialContext
// satisfies it in production, a fake satisfies it in tests.
type Dialer func(ctx context.Context, addr string) error

// netDialer is the production Dialer: a real TCP connection attempt to the
// forwarded connect_port on localhost, with a short per-attempt timeout.
func netDialer(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitReady replaces the distilled spec's fixed 2s sleep with a bounded
// exponential backoff poll of the forwarded connect_port: initial 100ms,
// factor 2, capped per-attempt at 2s, overall deadline ~5s. If the deadline
// elapses without a successful dial, WaitReady returns an error but the
// caller is expected to proceed anyway and merely log the warning — the
// underlying race (readiness is never actually guaranteed, only made less
// likely to bite) is unresolved by design, matching the distilled spec's
// acknowledgment.
func WaitReady(ctx context.Context, connectPort int, dial Dialer) error {
	if dial == nil {
		dial = netDialer
	}
	addr := fmt.Sprintf("127.0.0.1:%d", connectPort)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		return dial(ctx, addr)
	}, backoff.WithContext(bo, ctx))
}
