// Package procinfo verifies that a PID recorded in a pidfile still names
// the process the supervisor expects, so a recycled PID belonging to an
// unrelated process is never mistaken for a still-running supervised
// process. It only works on Linux (where /proc exists); callers on other
// platforms fall back to the OS-native `pkill -F` / `tasklist` matching the
// distilled spec already specifies.
package procinfo

import (
	"context"
	"fmt"
	"strings"

	"gritsync/internal/hostctx"
)

// MatchesImage reports whether the process named by pid, as seen on h,
// is still running and whether its command name (comm) matches wantComm.
// It goes through h.Run rather than reading /proc directly, so it works
// the same way against the real local machine and against a test double,
// and so a future remote-Linux caller could reuse it unchanged. On
// non-Linux hosts it always returns (false, nil) so callers know to use
// their OS-native check instead.
func MatchesImage(ctx context.Context, h hostctx.Host, pid int, wantComm string) (bool, error) {
	if h.OS() != hostctx.OSLinux {
		return false, nil
	}
	res, err := h.Run(ctx, []string{"cat", fmt.Sprintf("/proc/%d/stat", pid)})
	if err != nil || res.ExitCode != 0 {
		// No such process, or /proc/<pid>/stat unreadable: treat as gone.
		return false, nil
	}
	comm, ok := parseComm(res.Stdout)
	if !ok {
		return false, nil
	}
	return commMatches(comm, wantComm), nil
}

// parseComm extracts the comm field from a /proc/<pid>/stat line: the
// second whitespace-delimited field, but parenthesized and possibly
// containing spaces itself, so it's found by its enclosing parens rather
// than by splitting on whitespace.
func parseComm(stat string) (string, bool) {
	open := strings.IndexByte(stat, '(')
	close := strings.LastIndexByte(stat, ')')
	if open < 0 || close < 0 || close < open {
		return "", false
	}
	return stat[open+1 : close], true
}

// commMatches compares a /proc comm field (truncated to 15 bytes by the
// kernel, no path, no extension) against the name of a supervised process.
func commMatches(comm, wantComm string) bool {
	comm = strings.TrimSpace(comm)
	wantComm = strings.TrimSuffix(wantComm, ".exe")
	if len(wantComm) > 15 {
		wantComm = wantComm[:15]
	}
	return comm == wantComm
}
