// Package errs defines the typed error kinds the orchestrator recovers
// from or treats as fatal, plus the stderr pattern table used to reduce a
// SubprocessFailed into a DependencyMissing when possible.
package errs

import (
	"fmt"
	"strings"
)

// DependencyMissingError reports that a required external tool is absent
// from PATH on the named host.
type DependencyMissingError struct {
	Host string
	Tool string
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("%s: missing dependency %q", e.Host, e.Tool)
}

// SubprocessFailedError reports a non-zero exit from an external command
// whose stderr did not match any known dependency pattern.
type SubprocessFailedError struct {
	Host   string
	Argv   []string
	Stderr string
}

func (e *SubprocessFailedError) Error() string {
	return fmt.Sprintf("%s: command failed: %v: %s", e.Host, e.Argv, firstLine(e.Stderr))
}

// MergeBlockedError reports that a merge was rejected because of
// uncommitted local changes on the destination side.
type MergeBlockedError struct {
	Side string
}

func (e *MergeBlockedError) Error() string {
	return fmt.Sprintf("%s: merge blocked by local changes", e.Side)
}

// IncompatibleReposError is fatal: the two peers' tail hashes disagree.
type IncompatibleReposError struct {
	LocalHash  string
	RemoteHash string
}

func (e *IncompatibleReposError) Error() string {
	return fmt.Sprintf("incompatible repositories: local tail %s != remote tail %s", e.LocalHash, e.RemoteHash)
}

// RemoteUnreachableError is fatal: the SSH transport to a remote host was
// lost and the context layer does not reconnect automatically.
type RemoteUnreachableError struct {
	Host string
	Err  error
}

func (e *RemoteUnreachableError) Error() string {
	return fmt.Sprintf("%s: remote unreachable: %v", e.Host, e.Err)
}

func (e *RemoteUnreachableError) Unwrap() error { return e.Err }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// dependencyPatterns maps a substring seen in a command's stderr to the
// tool name that satisfies it. Checked in order; first match wins.
var dependencyPatterns = []struct {
	substr string
	tool   string
}{
	{"autoconf: not found", "autoconf"},
	{"msgfmt: not found", "gettext"},
	{"missing fswatch", "fswatch"},
	{"missing inotifywait", "inotify-tools"},
	{"inotifywait: not found", "inotify-tools"},
	{"inotifywait: command not found", "inotify-tools"},
	{"fswatch: not found", "fswatch"},
	{"fswatch: command not found", "fswatch"},
	{"autossh: not found", "autossh"},
	{"autossh: command not found", "autossh"},
	{"ssh: not found", "ssh"},
	{"ssh: command not found", "ssh"},
}

// DivineMissingDependency inspects combined stdout/stderr text for a known
// "tool not found" pattern and returns the tool name, or "" if none match.
func DivineMissingDependency(text string) string {
	for _, p := range dependencyPatterns {
		if strings.Contains(text, p.substr) {
			return p.tool
		}
	}
	return ""
}

// MergeBlockedPhrase is the exact stderr phrase that marks a blocked merge,
// per the orchestrator's merge recovery policy.
const MergeBlockedPhrase = "Your local changes to the following files would be overwritten"

// IsMergeBlocked reports whether stderr contains the merge-blocked phrase.
func IsMergeBlocked(stderr string) bool {
	return strings.Contains(stderr, MergeBlockedPhrase)
}

// Reduce converts a SubprocessFailedError into a DependencyMissingError when
// its stderr matches a known pattern, otherwise returns err unchanged.
func Reduce(err *SubprocessFailedError) error {
	if tool := DivineMissingDependency(err.Stderr); tool != "" {
		return &DependencyMissingError{Host: err.Host, Tool: tool}
	}
	return err
}
