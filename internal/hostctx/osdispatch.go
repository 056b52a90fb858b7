package hostctx

import "strings"

// osKindFromUname maps the output of `uname` to an OSKind. Windows hosts
// never run a POSIX uname, so callers there should not call this (they
// already know OSWindows from configuration).
func osKindFromUname(uname string) OSKind {
	switch strings.TrimSpace(strings.ToLower(uname)) {
	case "darwin":
		return OSDarwin
	default:
		return OSLinux
	}
}

// extraPath returns the directory this OS needs appended to PATH, or "" if
// none. Mirrors the distilled spec's environment rule: macOS contexts get
// /usr/local/bin (where Homebrew installs fswatch/autossh), Windows
// contexts get windowsWatcherDir, the inotify-win port's install directory.
// NewLocalHost and RemoteHost both pass an empty windowsWatcherDir, so PATH
// is not extended on Windows.
func extraPath(kind OSKind, windowsWatcherDir string) string {
	switch kind {
	case OSDarwin:
		return "/usr/local/bin"
	case OSWindows:
		return windowsWatcherDir
	default:
		return ""
	}
}

// mergeEnvPath returns a copy of env with PATH extended by dir, or env
// unchanged if dir is empty. The original PATH (if present) always comes
// first so operator overrides still take priority.
func mergeEnvPath(env map[string]string, pathSep string, dir string) map[string]string {
	out := make(map[string]string, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	if dir == "" {
		return out
	}
	if existing, ok := out["PATH"]; ok && existing != "" {
		out["PATH"] = existing + pathSep + dir
	} else {
		out["PATH"] = dir
	}
	return out
}

// killCommand returns the argv used to terminate a previously-supervised
// process by PID, dispatching on OS: pkill -F <pidfile> <processName> on
// POSIX, taskkill /F /PID <pid> on Windows, which kills by PID without
// matching the process image.
func killCommand(kind OSKind, pidfilePath, processName, pid string) []string {
	if kind == OSWindows {
		return []string{"taskkill", "/F", "/PID", pid}
	}
	return []string{"pkill", "-F", pidfilePath, processName}
}
