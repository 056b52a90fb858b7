// Package bootstrap brings a fresh pair of repositories into a mutually
// compatible, peered state on first run, choosing between a dual fresh
// init, a one-sided seed in either direction, or resuming a previously
// peered pair, based on each side's tail hash.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"gritsync/internal/dvcs"
	"gritsync/internal/errs"
	"gritsync/internal/hostctx"
	"gritsync/internal/ports"
	"gritsync/internal/supervisor"
)

// Action names the bootstrap path chosen, exposed so tests can assert on
// the decision itself rather than only its side effects.
type Action int

const (
	ActionFreshInit Action = iota
	ActionSeedFromLocal
	ActionSeedFromRemote
	ActionResume
)

func (a Action) String() string {
	switch a {
	case ActionFreshInit:
		return "fresh-init"
	case ActionSeedFromLocal:
		return "cross-seed-local-to-remote"
	case ActionSeedFromRemote:
		return "cross-seed-remote-to-local"
	case ActionResume:
		return "resume"
	default:
		return "unknown"
	}
}

// Side bundles everything the bootstrapper needs about one peer.
type Side struct {
	Host        hostctx.Host
	Client      *dvcs.Client
	Path        string
	StateDir    string
	PidfilePath string
}

// Bootstrapper drives Local and Remote into a peered state.
type Bootstrapper struct {
	Local         Side
	Remote        Side
	Ports         ports.Triple
	DefaultIgnore string
	Registry      *supervisor.Registry
	Log           func(format string, args ...any)
}

func (b *Bootstrapper) logf(format string, args ...any) {
	if b.Log != nil {
		b.Log(format, args...)
	}
}

// Run inspects both sides' tail hashes and drives the matching action.
// On success it returns the chosen Action and the tail hash both sides
// now share.
func (b *Bootstrapper) Run(ctx context.Context) (Action, string, error) {
	action, tailHash, err := b.decide(ctx)
	if err != nil {
		return action, "", err
	}
	// Ports are re-chosen every run, so both sides' origin needs
	// refreshing against this run's connect_port regardless of which
	// bootstrap path was taken — including resume.
	if err := b.Local.Client.SetupOrigin(ctx, b.Local.Path, b.Ports.ConnectPort, tailHash); err != nil {
		return action, tailHash, fmt.Errorf("refreshing local origin: %w", err)
	}
	if err := b.Remote.Client.SetupOrigin(ctx, b.Remote.Path, b.Ports.ConnectPort, tailHash); err != nil {
		return action, tailHash, fmt.Errorf("refreshing remote origin: %w", err)
	}
	return action, tailHash, nil
}

func (b *Bootstrapper) decide(ctx context.Context) (Action, string, error) {
	localHash, err := b.Local.Client.TailHash(ctx, b.Local.Path)
	if err != nil {
		return ActionFreshInit, "", fmt.Errorf("reading local tail hash: %w", err)
	}
	remoteHash, err := b.Remote.Client.TailHash(ctx, b.Remote.Path)
	if err != nil {
		return ActionFreshInit, "", fmt.Errorf("reading remote tail hash: %w", err)
	}

	switch {
	case localHash == "" && remoteHash == "":
		b.logf("bootstrap: both sides uninitialized, seeding from scratch on %s", b.Local.Host.Name())
		if err := b.assertEmpty(ctx, b.Local); err != nil {
			return ActionFreshInit, "", err
		}
		if err := b.assertEmpty(ctx, b.Remote); err != nil {
			return ActionFreshInit, "", err
		}
		if _, err := b.Local.Client.Init(ctx, b.Local.Path, b.DefaultIgnore); err != nil {
			return ActionFreshInit, "", fmt.Errorf("seeding local repo: %w", err)
		}
		tailHash, err := b.Local.Client.TailHash(ctx, b.Local.Path)
		if err != nil {
			return ActionFreshInit, "", fmt.Errorf("reading freshly-seeded local tail hash: %w", err)
		}
		if err := b.crossSeed(ctx, b.Local, b.Remote, tailHash); err != nil {
			return ActionFreshInit, "", err
		}
		return ActionFreshInit, tailHash, nil

	case localHash != "" && remoteHash == "":
		b.logf("bootstrap: local has history, seeding remote from local")
		if err := b.assertEmpty(ctx, b.Remote); err != nil {
			return ActionSeedFromLocal, "", err
		}
		if err := b.crossSeed(ctx, b.Local, b.Remote, localHash); err != nil {
			return ActionSeedFromLocal, "", err
		}
		return ActionSeedFromLocal, localHash, nil

	case localHash == "" && remoteHash != "":
		b.logf("bootstrap: remote has history, seeding local from remote")
		if err := b.assertEmpty(ctx, b.Local); err != nil {
			return ActionSeedFromRemote, "", err
		}
		if err := b.crossSeed(ctx, b.Remote, b.Local, remoteHash); err != nil {
			return ActionSeedFromRemote, "", err
		}
		return ActionSeedFromRemote, remoteHash, nil

	case localHash == remoteHash:
		b.logf("bootstrap: both sides already peered at %s, resuming", localHash)
		if err := b.startDaemon(ctx, b.Local, localHash); err != nil {
			return ActionResume, "", err
		}
		if err := b.startDaemon(ctx, b.Remote, localHash); err != nil {
			return ActionResume, "", err
		}
		return ActionResume, localHash, nil

	default:
		return ActionFreshInit, "", &errs.IncompatibleReposError{LocalHash: localHash, RemoteHash: remoteHash}
	}
}

// crossSeed starts source's daemon, creates dest as a bare (commit-less)
// repository pointed at it through the tunnel, pulls dest's history from
// source, then starts dest's own daemon. source must already have at
// least one commit, and tailHash must be source's tail hash: since dest
// starts with no commits of its own, its first Pull fast-forwards exactly
// onto source's history, so both sides end up sharing tailHash.
func (b *Bootstrapper) crossSeed(ctx context.Context, source, dest Side, tailHash string) error {
	if err := b.startDaemon(ctx, source, tailHash); err != nil {
		return fmt.Errorf("starting source daemon on %s: %w", source.Host.Name(), err)
	}
	if _, err := dest.Client.InitBare(ctx, dest.Path); err != nil {
		return fmt.Errorf("initializing %s: %w", dest.Host.Name(), err)
	}
	if err := dest.Client.SetupOrigin(ctx, dest.Path, b.Ports.ConnectPort, tailHash); err != nil {
		return fmt.Errorf("configuring origin on %s: %w", dest.Host.Name(), err)
	}
	pull, err := dest.Client.Pull(ctx, dest.Path)
	if err != nil {
		return fmt.Errorf("cross-seed pull into %s: %w", dest.Host.Name(), err)
	}
	if pull.Blocked {
		return fmt.Errorf("cross-seed pull into %s was blocked: %s", dest.Host.Name(), pull.Output)
	}
	if err := b.startDaemon(ctx, dest, tailHash); err != nil {
		return fmt.Errorf("starting destination daemon on %s: %w", dest.Host.Name(), err)
	}
	return nil
}

func (b *Bootstrapper) startDaemon(ctx context.Context, s Side, tailHash string) error {
	if b.Registry != nil {
		if err := b.Registry.KillPrevious(ctx, s.Host, "daemon", dvcs.BinaryName, pidfileStateDir(s.PidfilePath)); err != nil {
			return err
		}
	}
	proc, err := s.Client.StartDaemon(ctx, s.StateDir, s.Path, tailHash, b.Ports.BindPort, s.PidfilePath)
	if err != nil {
		return err
	}
	if b.Registry != nil {
		return b.Registry.Register(ctx, s.Host, "daemon", dvcs.BinaryName, proc.PID(), pidfileStateDir(s.PidfilePath))
	}
	return nil
}

func pidfileStateDir(pidfilePath string) string {
	idx := strings.LastIndexByte(pidfilePath, '/')
	if idx < 0 {
		return "."
	}
	return pidfilePath[:idx]
}

// assertEmpty enforces the decision table's precondition that the "none"
// side of a one-sided seed is actually empty: nonexistent, or an existing
// directory with zero entries.
func (b *Bootstrapper) assertEmpty(ctx context.Context, s Side) error {
	empty, err := isEmptyOrMissing(ctx, s.Host, s.Path)
	if err != nil {
		return fmt.Errorf("checking %s is empty: %w", s.Host.Name(), err)
	}
	if !empty {
		return fmt.Errorf("%s: %s has no grit history but is not empty; refusing to seed over existing files", s.Host.Name(), s.Path)
	}
	return nil
}

func isEmptyOrMissing(ctx context.Context, h hostctx.Host, path string) (bool, error) {
	var argv []string
	if h.OS() == hostctx.OSWindows {
		argv = []string{"cmd", "/c", fmt.Sprintf(`if not exist %q (exit 0) else (dir /b %q | findstr "^" >nul && exit 1 || exit 0)`, path, path)}
	} else {
		argv = []string{"sh", "-c", fmt.Sprintf("test ! -e %s || [ -z \"$(ls -A %s 2>/dev/null)\" ]", hostctx.ShellQuote(path), hostctx.ShellQuote(path))}
	}
	res, err := h.Run(ctx, argv)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}
