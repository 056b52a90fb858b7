// Command gritsync keeps a local directory tree and a directory tree on a
// remote host, reached over SSH, continuously and bidirectionally synced
// through a forked DVCS engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gritsync/internal/bootstrap"
	"gritsync/internal/config"
	"gritsync/internal/dvcs"
	"gritsync/internal/hostctx"
	"gritsync/internal/ports"
	"gritsync/internal/supervisor"
	"gritsync/internal/syncloop"
	"gritsync/internal/term"
	"gritsync/internal/tunnel"
	"gritsync/internal/watcher"
)

// logf prints a timestamped line to stdout, matching the teacher's own
// logging shape; gritsync routes everything else through the Terminal
// Writer, but the handful of messages before it exists use this directly.
func logf(format string, args ...any) {
	ts := time.Now().Format("2006-01-02T15:04:05-0700")
	fmt.Printf("%s %s\n", ts, fmt.Sprintf(format, args...))
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s sync <local_path> <user@host:remote_path> [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	configPath := flag.String("config", "", "path to an optional YAML config override")
	noColor := flag.Bool("no-color", false, "disable colorized terminal output")
	installDeps := flag.Bool("install-deps", false, "recorded in the config; no installer is run")
	verbose := flag.Bool("verbose", false, "log every subprocess invocation")
	// Accepted and ignored: peripheral flags from the wider CLI surface
	// this orchestrator's `sync` subcommand doesn't need to act on itself.
	flag.String("build", "", "ignored")
	flag.String("identity", "", "ignored; use ssh config / agent instead")
	flag.Bool("openssl", false, "ignored")
	flag.Bool("dev", false, "ignored")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 || args[0] != "sync" {
		flag.Usage()
		os.Exit(1)
	}
	args = args[1:]
	if len(args) != 2 {
		flag.Usage()
		os.Exit(1)
	}
	localPathArg, remoteArg := args[0], args[1]

	sshTarget, remotePathArg, err := splitRemoteArg(remoteArg)
	if err != nil {
		die("%v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		die("loading config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		die("invalid config: %v", err)
	}
	if *installDeps {
		cfg.InstallDeps = true
	}
	if *noColor {
		cfg.NoColor = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, localPathArg, sshTarget, remotePathArg, *verbose); err != nil {
		logf("fatal: %v", err)
		os.Exit(1)
	}
}

// splitRemoteArg parses a "user@host:remote_path" CLI argument into the
// ssh target ("user@host") and the remote directory.
func splitRemoteArg(arg string) (sshTarget, remotePath string, err error) {
	idx := strings.IndexByte(arg, ':')
	if idx <= 0 || idx == len(arg)-1 {
		return "", "", fmt.Errorf("expected user@host:remote_path, got %q", arg)
	}
	return arg[:idx], arg[idx+1:], nil
}

func run(ctx context.Context, cfg config.Config, localPathArg, sshTarget, remotePathArg string, verbose bool) error {
	terminal := term.NewTerminal(os.Stdout, cfg.NoColor)
	defer terminal.Close()

	orchestrator := terminal.NewWriter("main", "gritsync", false, false)

	local := hostctx.NewLocalHost(true)
	remote := hostctx.NewRemoteHost(sshTarget, 0, hostctx.OSLinux)
	if verbose {
		debugLine := terminal.NewWriter("debug", "debug", false, false)
		local.SetDebugWriter(debugLine)
		remote.SetDebugWriter(debugLine)
	}
	if uname, err := remote.Uname(ctx); err == nil {
		remote.SetOS(osKindFromUnameOutput(uname))
	} else {
		orchestrator.WriteLine(fmt.Sprintf("warning: could not determine remote OS, assuming linux: %v", err))
	}

	localPath, err := local.Path(localPathArg)
	if err != nil {
		return fmt.Errorf("resolving local path: %w", err)
	}
	remotePath, err := remote.Path(remotePathArg)
	if err != nil {
		return fmt.Errorf("resolving remote path: %w", err)
	}
	localStateDir, err := local.Path("~/.gritsync")
	if err != nil {
		return fmt.Errorf("resolving local state dir: %w", err)
	}
	remoteStateDir, err := remote.Path("~/.gritsync")
	if err != nil {
		return fmt.Errorf("resolving remote state dir: %w", err)
	}

	if verbose {
		orchestrator.WriteLine(fmt.Sprintf("local: %s (%s)  remote: %s@%s (%s)", localPath, local.OS(), remotePath, remote.Name(), remote.OS()))
	}

	registry := supervisor.NewRegistry()

	triple, err := ports.Pick(ctx, cfg.PortRangeLow, cfg.PortRangeHigh, []ports.Prober{local, remote})
	if err != nil {
		return fmt.Errorf("picking ports: %w", err)
	}
	orchestrator.WriteLine(fmt.Sprintf("ports: bind=%d connect=%d monitor=%d", triple.BindPort, triple.ConnectPort, triple.MonitorPort))

	tunnelErrLine := terminal.NewWriter("tunnel", "local:tunnel", false, false)
	tunnelMgr, err := tunnel.Start(ctx, local, sshTarget, triple, remote.OS() == hostctx.OSDarwin, tunnelErrLine)
	if err != nil {
		return fmt.Errorf("starting tunnel: %w", err)
	}
	if err := registry.KillPrevious(ctx, local, tunnel.SupervisedName, tunnelMgr.Tool(), localStateDir); err != nil {
		return fmt.Errorf("clearing previous tunnel: %w", err)
	}
	if err := registry.Register(ctx, local, tunnel.SupervisedName, tunnelMgr.Tool(), tunnelMgr.PID(), localStateDir); err != nil {
		return fmt.Errorf("registering tunnel: %w", err)
	}
	orchestrator.WriteLine(fmt.Sprintf("tunnel: launched %s (pid %d)", tunnelMgr.Tool(), tunnelMgr.PID()))

	settleCtx, settleCancel := context.WithTimeout(ctx, cfg.TunnelSettleTimeout)
	if err := tunnel.WaitReady(settleCtx, triple.ConnectPort, nil); err != nil {
		orchestrator.WriteLine(fmt.Sprintf("warning: tunnel not confirmed ready after %s, proceeding anyway: %v", cfg.TunnelSettleTimeout, err))
	}
	settleCancel()

	bootstrapper := &bootstrap.Bootstrapper{
		Local: bootstrap.Side{
			Host:        local,
			Client:      dvcs.New(local),
			Path:        localPath,
			StateDir:    localStateDir,
			PidfilePath: supervisor.PidfilePath(localStateDir, "daemon"),
		},
		Remote: bootstrap.Side{
			Host:        remote,
			Client:      dvcs.New(remote),
			Path:        remotePath,
			StateDir:    remoteStateDir,
			PidfilePath: supervisor.PidfilePath(remoteStateDir, "daemon"),
		},
		Ports:         triple,
		DefaultIgnore: cfg.DefaultIgnore,
		Registry:      registry,
		Log:           func(format string, args ...any) { orchestrator.WriteLine(fmt.Sprintf(format, args...)) },
	}
	action, tailHash, err := bootstrapper.Run(ctx)
	if err != nil {
		return fmt.Errorf("bootstrapping repositories: %w", err)
	}
	orchestrator.WriteLine(fmt.Sprintf("bootstrap: %s (tail %s)", action, tailHash))

	events := make(chan watcher.Event, 256)
	localWatchErr := terminal.NewWriter("watcher-local", "local:watcher", false, false)
	remoteWatchErr := terminal.NewWriter("watcher-remote", "remote:watcher", false, false)

	localWatcher, err := watcher.Start(ctx, local, syncloop.Local, localPath, "", events, localWatchErr)
	if err != nil {
		return fmt.Errorf("starting local watcher: %w", err)
	}
	if err := registry.KillPrevious(ctx, local, "watcher", localWatcher.Tool(), localStateDir); err != nil {
		return fmt.Errorf("clearing previous local watcher: %w", err)
	}
	if err := registry.Register(ctx, local, "watcher", localWatcher.Tool(), localWatcher.PID(), localStateDir); err != nil {
		return fmt.Errorf("registering local watcher: %w", err)
	}

	remoteWatcher, err := watcher.Start(ctx, remote, syncloop.Remote, remotePath, "", events, remoteWatchErr)
	if err != nil {
		return fmt.Errorf("starting remote watcher: %w", err)
	}
	if err := registry.KillPrevious(ctx, remote, "watcher", remoteWatcher.Tool(), remoteStateDir); err != nil {
		return fmt.Errorf("clearing previous remote watcher: %w", err)
	}
	if err := registry.Register(ctx, remote, "watcher", remoteWatcher.Tool(), remoteWatcher.PID(), remoteStateDir); err != nil {
		return fmt.Errorf("registering remote watcher: %w", err)
	}

	go watchAndRestartWatcher(ctx, registry, local, syncloop.Local, localPath, localStateDir, events, localWatchErr, localWatcher, orchestrator)
	go watchAndRestartWatcher(ctx, registry, remote, syncloop.Remote, remotePath, remoteStateDir, events, remoteWatchErr, remoteWatcher, orchestrator)

	go watchLocalLiveness(ctx, orchestrator, map[string]int{
		"tunnel":        tunnelMgr.PID(),
		"local watcher": localWatcher.PID(),
	})

	loop := syncloop.New(
		syncloop.Peer{Host: local, DVCS: dvcs.New(local), Path: localPath},
		syncloop.Peer{Host: remote, DVCS: dvcs.New(remote), Path: remotePath},
		orchestrator,
		loggingRoundObserver(orchestrator, verbose),
	)
	loop.DebounceShort = cfg.DebounceShort
	loop.DebounceIdle = cfg.DebounceIdle

	orchestrator.WriteLine("priming: catching up on changes since last run")
	if err := loop.Prime(ctx); err != nil {
		return fmt.Errorf("priming sync state: %w", err)
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(ctx, events) }()

	select {
	case <-ctx.Done():
		orchestrator.WriteLine("shutting down")
	case err := <-loopErr:
		if err != nil && err != context.Canceled {
			registry.ShutdownAll(context.Background())
			return fmt.Errorf("sync loop: %w", err)
		}
	}

	registry.ShutdownAll(context.Background())
	return nil
}

// loggingRoundObserver logs a structured summary of each commit_and_update
// round when verbose, purely for operational visibility — never gating
// correctness, per the orchestrator's no-required-metrics-layer design.
func loggingRoundObserver(w *term.Writer, verbose bool) func(syncloop.Round) {
	if !verbose {
		return nil
	}
	return func(r syncloop.Round) {
		status := "no-op"
		switch {
		case r.Err != nil:
			status = "error: " + r.Err.Error()
		case r.Committed && r.RetriedMerge:
			status = "committed, merge retried"
		case r.Committed:
			status = "committed"
		case r.Pulled:
			status = "pulled"
		}
		w.WriteLine(fmt.Sprintf("round[%s] scope=%s paths=%d -> %s", r.Side, r.Scope, len(r.Paths), status))
	}
}

func osKindFromUnameOutput(uname string) hostctx.OSKind {
	switch strings.TrimSpace(strings.ToLower(uname)) {
	case "darwin":
		return hostctx.OSDarwin
	case "windows", "cygwin", "mingw":
		return hostctx.OSWindows
	default:
		return hostctx.OSLinux
	}
}

// watchAndRestartWatcher blocks on w.Wait() and, on an unexpected exit
// (anything other than ctx being cancelled), relaunches the watch tool on
// the same side and re-registers it under the same pidfile, so a crashed
// watcher is always replaced within one restart rather than silently
// leaving that side unobserved for the rest of the run.
func watchAndRestartWatcher(ctx context.Context, reg *supervisor.Registry, h hostctx.Host, side, root, stateDir string, events chan<- watcher.Event, errLine *term.Writer, w *watcher.Watcher, log *term.Writer) {
	for {
		err := w.Wait()
		if ctx.Err() != nil {
			return
		}
		log.WriteLine(fmt.Sprintf("%s watcher (%s) exited unexpectedly: %v, restarting", side, w.Tool(), err))

		next, startErr := watcher.Start(ctx, h, side, root, w.Tool(), events, errLine)
		if startErr != nil {
			log.WriteLine(fmt.Sprintf("%s watcher restart failed: %v", side, startErr))
			return
		}
		if err := reg.KillPrevious(ctx, h, "watcher", w.Tool(), stateDir); err != nil {
			log.WriteLine(fmt.Sprintf("%s watcher: clearing stale pidfile before restart: %v", side, err))
		}
		if err := reg.Register(ctx, h, "watcher", next.Tool(), next.PID(), stateDir); err != nil {
			log.WriteLine(fmt.Sprintf("%s watcher: registering restarted process: %v", side, err))
		}
		w = next
	}
}

// watchLocalLiveness periodically cross-checks that pids, all supervised
// processes running directly on this machine, are still alive. It only
// logs: the Process Supervisor's own pidfile-based kill-previous/register
// discipline is what actually gates correctness, this is purely an early
// warning so an operator watching the log notices a crashed tunnel or
// watcher before the next sync round surfaces it indirectly as a failure.
func watchLocalLiveness(ctx context.Context, w *term.Writer, pids map[string]int) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, pid := range pids {
				if !hostctx.ProcessAlive(pid) {
					w.WriteLine(fmt.Sprintf("warning: local %s (pid %d) is no longer running", name, pid))
				}
			}
		}
	}
}
