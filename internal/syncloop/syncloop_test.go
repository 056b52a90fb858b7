package syncloop

import (
	"context"
	"strings"
	"testing"
	"time"

	"gritsync/internal/dvcs"
	"gritsync/internal/hostctx"
	"gritsync/internal/watcher"
)

func TestCommitScopeEmptyPathsIsRoot(t *testing.T) {
	if got := commitScope(nil); got != "." {
		t.Errorf("commitScope(nil) = %q, want \".\"", got)
	}
}

func TestCommitScopeSingleFileTruncatesToDir(t *testing.T) {
	if got := commitScope([]string{"a/b/file.txt"}); got != "a/b" {
		t.Errorf("commitScope = %q, want \"a/b\"", got)
	}
}

func TestCommitScopeSiblingsScopeToSharedDir(t *testing.T) {
	got := commitScope([]string{"a/b/x.txt", "a/b/y.txt"})
	if got != "a/b" {
		t.Errorf("commitScope = %q, want \"a/b\"", got)
	}
}

func TestCommitScopeNoCommonPrefixFallsBackToRoot(t *testing.T) {
	got := commitScope([]string{"a/x.txt", "b/y.txt"})
	if got != "." {
		t.Errorf("commitScope = %q, want \".\"", got)
	}
}

func TestCommitScopeDoesNotOverTruncateSharedDirName(t *testing.T) {
	// "a/bear" and "a/beach" share the prefix "a/bea", which must not be
	// mistaken for a shared directory: truncating at the last separator
	// should fall back to "a", the actual shared directory.
	got := commitScope([]string{"a/bear/x.txt", "a/beach/y.txt"})
	if got != "a" {
		t.Errorf("commitScope = %q, want \"a\"", got)
	}
}

func TestHasGritComponentDetectsNestedRepoDir(t *testing.T) {
	if !hasGritComponent("sub/.grit/HEAD") {
		t.Error("hasGritComponent should detect a nested .grit path component")
	}
	if hasGritComponent("sub/gritty/file.txt") {
		t.Error("hasGritComponent should not match a directory that merely contains \"grit\"")
	}
}

// fakeSideHost is a minimal hostctx.Host that answers exactly the grit
// invocations the Sync Loop issues, tracking committed/merged state for
// one side so a full Prime()/Run() round can be exercised without a real
// subprocess.
type fakeSideHost struct {
	name string
	head string // current HEAD, empty string or a hash
	seq  int

	lastMergeWasBlocked bool
	forcedCommitSeen    bool

	commands []string
}

func (h *fakeSideHost) Name() string                                      { return h.name }
func (h *fakeSideHost) Kind() hostctx.Kind                                 { return hostctx.KindLocal }
func (h *fakeSideHost) OS() hostctx.OSKind                                 { return hostctx.OSLinux }
func (h *fakeSideHost) Env() map[string]string                            { return nil }
func (h *fakeSideHost) Path(p string) (string, error)                     { return p, nil }
func (h *fakeSideHost) Home(ctx context.Context) (string, error)          { return "/home/u", nil }
func (h *fakeSideHost) Uname(ctx context.Context) (string, error)         { return "Linux", nil }
func (h *fakeSideHost) PortsInUse(ctx context.Context) (map[int]bool, error) { return nil, nil }
func (h *fakeSideHost) Upload(ctx context.Context, local, remote string) error { return nil }
func (h *fakeSideHost) Popen(ctx context.Context, argv []string) (hostctx.ProcessHandle, error) {
	return nil, nil
}

func (h *fakeSideHost) Run(ctx context.Context, argv []string) (hostctx.RunResult, error) {
	joined := strings.Join(argv, " ")
	h.commands = append(h.commands, joined)

	switch {
	case strings.Contains(joined, "rev-parse HEAD"):
		return hostctx.RunResult{Stdout: h.head}, nil
	case strings.Contains(joined, "grit add"):
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "ls-files -i"):
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "grit commit"):
		h.seq++
		h.head = h.name + "-head-" + itoa(h.seq)
		if strings.Contains(joined, "autocommit") {
			h.forcedCommitSeen = true
		}
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "grit fetch"):
		return hostctx.RunResult{ExitCode: 0}, nil
	case strings.Contains(joined, "grit merge"):
		if h.lastMergeWasBlocked {
			h.lastMergeWasBlocked = false // only blocks once per test scenario
			return hostctx.RunResult{ExitCode: 1, Stderr: "Your local changes to the following files would be overwritten"}, nil
		}
		return hostctx.RunResult{ExitCode: 0, Stdout: "Merge made"}, nil
	default:
		return hostctx.RunResult{ExitCode: 1, Stderr: "unknown: " + joined}, nil
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func newFakePeer(name string) (Peer, *fakeSideHost) {
	h := &fakeSideHost{name: name}
	return Peer{Host: h, DVCS: dvcs.New(h), Path: "/sync/" + name}, h
}

func TestPrimeCommitsBothSidesThenPullsBoth(t *testing.T) {
	local, localHost := newFakePeer("local")
	remote, remoteHost := newFakePeer("remote")
	loop := New(local, remote, nil, nil)

	if err := loop.Prime(context.Background()); err != nil {
		t.Fatalf("Prime() error: %v", err)
	}

	if !containsSubstr(remoteHost.commands, "grit commit") {
		t.Error("expected remote to be committed during priming")
	}
	if !containsSubstr(localHost.commands, "grit commit") {
		t.Error("expected local to be committed during priming")
	}
	if !containsSubstr(remoteHost.commands, "grit fetch") {
		t.Error("expected remote to be pulled during priming")
	}
	if !containsSubstr(localHost.commands, "grit fetch") {
		t.Error("expected local to be pulled during priming")
	}
}

func TestPullIntoRetriesOnceAfterForcedCommitWhenMergeBlocked(t *testing.T) {
	local, _ := newFakePeer("local")
	remote, remoteHost := newFakePeer("remote")
	remoteHost.lastMergeWasBlocked = true
	loop := New(local, remote, nil, nil)

	if err := loop.pullInto(context.Background(), Remote); err != nil {
		t.Fatalf("pullInto() error: %v", err)
	}
	if !remoteHost.forcedCommitSeen {
		t.Error("expected a forced commit on the blocked side before retrying the merge")
	}
	mergeCount := 0
	for _, c := range remoteHost.commands {
		if strings.Contains(c, "grit merge") {
			mergeCount++
		}
	}
	if mergeCount != 2 {
		t.Errorf("expected exactly one merge retry (2 total merge attempts), got %d", mergeCount)
	}

	lsFilesIdx, commitIdx := -1, -1
	for i, c := range remoteHost.commands {
		if strings.Contains(c, "ls-files -i") && lsFilesIdx == -1 {
			lsFilesIdx = i
		}
		if strings.Contains(c, "grit commit") && strings.Contains(c, "autocommit") {
			commitIdx = i
		}
	}
	if lsFilesIdx == -1 {
		t.Error("expected newly-ignored files to be checked before the forced commit")
	}
	if commitIdx == -1 || lsFilesIdx > commitIdx {
		t.Error("expected the untrack check to run before the forced commit, not after")
	}
}

func TestRecordInsertsPathsAndDetectsIgnoreMarker(t *testing.T) {
	local, _ := newFakePeer("local")
	remote, _ := newFakePeer("remote")
	loop := New(local, remote, nil, nil)

	loop.record(watcher.Event{Side: Local, Relpath: "src/main.go"})
	loop.record(watcher.Event{Side: Local, Relpath: ".gritignore"})
	loop.record(watcher.Event{Side: Local, Relpath: "sub/.grit/HEAD"})

	if _, ok := loop.changed[Local]["src/main.go"]; !ok {
		t.Error("expected src/main.go to be recorded as changed")
	}
	if _, ok := loop.changed[Local]["sub/.grit/HEAD"]; ok {
		t.Error("a path inside .grit should never be recorded")
	}
	if !loop.changedIgnore[Local] {
		t.Error("changing .gritignore should set the ignore marker for that side")
	}
}

func TestRunTimesOutAfter100msWhenChangesArePending(t *testing.T) {
	local, localHost := newFakePeer("local")
	remote, _ := newFakePeer("remote")
	loop := New(local, remote, nil, nil)

	events := make(chan watcher.Event, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	events <- watcher.Event{Side: Local, Relpath: "a.txt"}

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx, events) }()

	select {
	case err := <-done:
		if err != context.DeadlineExceeded {
			t.Fatalf("Run() returned %v before producing a commit", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Run() did not return within the test timeout")
	}

	if !containsSubstr(localHost.commands, "grit commit") {
		t.Error("expected the 100ms debounce timeout to have triggered a commit")
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
