// Package syncloop is the event-driven core: it debounces watcher events,
// chooses a commit scope, issues an auto-commit on the side that changed,
// then pulls that commit into the peer, recovering once if the peer's
// merge is blocked by its own uncommitted changes.
package syncloop

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"gritsync/internal/dvcs"
	"gritsync/internal/errs"
	"gritsync/internal/hostctx"
	"gritsync/internal/term"
	"gritsync/internal/watcher"
)

// Side names one of the two peers. The loop only ever runs with exactly
// two: Local and Remote.
const (
	Local  = "local"
	Remote = "remote"
)

func other(side string) string {
	if side == Local {
		return Remote
	}
	return Local
}

const (
	debounceActive = 100 * time.Millisecond
	debounceIdle   = 10 * time.Second
)

// Peer bundles what the loop needs to act against one side: the host it
// runs commands on, the grit client bound to that host, and the sync
// path the repository lives at.
type Peer struct {
	Host hostctx.Host
	DVCS *dvcs.Client
	Path string
}

// Round is a structured record of one commit_and_update invocation,
// exposed so callers can log or count decisions without the loop itself
// depending on a particular logging shape.
type Round struct {
	Side            string
	Scope           string
	Paths           []string
	UpdateUntracked bool
	Committed       bool
	Head            string
	Pulled          bool
	MergeBlocked    bool
	RetriedMerge    bool
	Err             error
}

// Loop owns the changed/changed_ignore maps and drives commit_and_update
// against both peers in response to watcher events.
type Loop struct {
	peers map[string]Peer

	changed       map[string]map[string]struct{}
	changedIgnore map[string]bool

	// outstanding enforces at most one in-flight commit_and_update per
	// side: a token is taken before the call and returned after, so the
	// two sides make independent progress without a global lock.
	outstanding map[string]chan struct{}

	onRound func(Round)
	log     *term.Writer

	// DebounceShort/DebounceIdle override the 100ms/10s defaults; see
	// config.Config. Left zero, New fills in the defaults.
	DebounceShort time.Duration
	DebounceIdle  time.Duration
}

// New constructs a Loop for the given peers. onRound, if non-nil, is
// called synchronously after every commit_and_update completes.
func New(local, remote Peer, log *term.Writer, onRound func(Round)) *Loop {
	l := &Loop{
		peers: map[string]Peer{Local: local, Remote: remote},
		changed: map[string]map[string]struct{}{
			Local:  {},
			Remote: {},
		},
		changedIgnore: map[string]bool{},
		outstanding:   map[string]chan struct{}{},
		onRound:       onRound,
		log:           log,
		DebounceShort: debounceActive,
		DebounceIdle:  debounceIdle,
	}
	for _, side := range []string{Local, Remote} {
		tok := make(chan struct{}, 1)
		tok <- struct{}{}
		l.outstanding[side] = tok
	}
	return l
}

func (l *Loop) logf(format string, args ...any) {
	if l.log != nil {
		l.log.WriteLine(fmt.Sprintf(format, args...))
	}
}

// Prime runs the fixed priming sequence the distilled spec requires
// before the event loop begins: a forced, untracked-aware commit on each
// side (remote first, then local) followed by a pull on each (remote
// first, then local). This picks up any changes that happened while the
// orchestrator was not running, in a deterministic order.
func (l *Loop) Prime(ctx context.Context) error {
	if _, err := l.commitAndUpdate(ctx, Remote, nil, true); err != nil {
		return fmt.Errorf("priming remote commit: %w", err)
	}
	if _, err := l.commitAndUpdate(ctx, Local, nil, true); err != nil {
		return fmt.Errorf("priming local commit: %w", err)
	}
	if err := l.pullInto(ctx, Remote); err != nil {
		return fmt.Errorf("priming remote pull: %w", err)
	}
	if err := l.pullInto(ctx, Local); err != nil {
		return fmt.Errorf("priming local pull: %w", err)
	}
	return nil
}

// Run consumes events until ctx is cancelled, debouncing at 100ms while a
// round is accumulating changes and 10s while idle, and driving
// commit_and_update for every side that changed on each timeout.
func (l *Loop) Run(ctx context.Context, events <-chan watcher.Event) error {
	for {
		timeout := l.DebounceIdle
		if l.hasPending() {
			timeout = l.DebounceShort
		}
		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case ev, ok := <-events:
			timer.Stop()
			if !ok {
				return nil
			}
			l.record(ev)
		case <-timer.C:
			if err := l.flush(ctx); err != nil {
				l.logf("sync: round failed: %v", err)
			}
		}
	}
}

func (l *Loop) hasPending() bool {
	for _, paths := range l.changed {
		if len(paths) > 0 {
			return true
		}
	}
	return false
}

// record folds one watcher event into the per-round maps, matching the
// distilled spec's event branch: component-wise defensive re-exclusion of
// the repository directory, then insertion, then ignore-marker detection.
func (l *Loop) record(ev watcher.Event) {
	if hasGritComponent(ev.Relpath) {
		return
	}
	l.changed[ev.Side][ev.Relpath] = struct{}{}
	if path.Base(ev.Relpath) == dvcs.IgnoreFileName {
		l.changedIgnore[ev.Side] = true
	}
}

func hasGritComponent(relpath string) bool {
	for _, part := range strings.Split(relpath, "/") {
		if part == dvcs.RepoDirName {
			return true
		}
	}
	return false
}

// flush drains the accumulated maps, running commit_and_update for every
// side that changed this round, then clears both maps.
func (l *Loop) flush(ctx context.Context) error {
	var firstErr error
	for _, side := range []string{Local, Remote} {
		paths := l.changed[side]
		if len(paths) == 0 {
			continue
		}
		list := make([]string, 0, len(paths))
		for p := range paths {
			list = append(list, p)
		}
		updateUntracked := l.changedIgnore[side]
		if _, err := l.commitAndUpdate(ctx, side, list, updateUntracked); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.changed[Local] = map[string]struct{}{}
	l.changed[Remote] = map[string]struct{}{}
	l.changedIgnore[Local] = false
	l.changedIgnore[Remote] = false
	return firstErr
}

// commitAndUpdate commits paths on srcSide (scoped to their common
// directory) and, if that moved srcSide's HEAD, pulls the result into the
// other side; an unchanged HEAD makes the round a no-op. It enforces at
// most one outstanding call per side: if one is already in flight for
// srcSide, this call blocks until it completes (the debounce timer means
// this should be rare in practice — commits are normally well serialized
// by the event loop's own single-threaded flush).
func (l *Loop) commitAndUpdate(ctx context.Context, srcSide string, paths []string, updateUntracked bool) (Round, error) {
	tok := l.outstanding[srcSide]
	select {
	case <-tok:
	case <-ctx.Done():
		return Round{}, ctx.Err()
	}
	defer func() { tok <- struct{}{} }()

	round := Round{Side: srcSide, Paths: paths, UpdateUntracked: updateUntracked, Scope: commitScope(paths)}
	src := l.peers[srcSide]

	err := l.commitSide(ctx, src, &round)
	if err != nil {
		round.Err = err
		l.report(round)
		return round, err
	}
	if !round.Committed {
		l.report(round)
		return round, nil
	}

	if err := l.pullInto(ctx, other(srcSide)); err != nil {
		round.Err = err
		l.report(round)
		return round, err
	}
	round.Pulled = true
	l.report(round)
	return round, nil
}

func (l *Loop) report(r Round) {
	if l.onRound != nil {
		l.onRound(r)
	}
}

// commitScope computes the distilled spec's prefix-selection heuristic:
// the empty set scopes to ".", otherwise the common directory of paths,
// truncated at the last separator so two siblings "a/b/x" and "a/b/y"
// scope to "a/b" rather than the nonexistent "a/b/" concatenation
// suggested by a naive string-prefix computation. Falls back to "." if
// nothing is common (e.g. two top-level files).
func commitScope(paths []string) string {
	if len(paths) == 0 {
		return "."
	}
	common := paths[0]
	for _, p := range paths[1:] {
		common = commonPrefix(common, p)
		if common == "" {
			return "."
		}
	}
	idx := strings.LastIndexByte(common, '/')
	if idx < 0 {
		return "."
	}
	return common[:idx]
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

// commitSide performs the source-side half of commit_and_update: optional
// untracking of newly-ignored files, add --all scoped to round.Scope, then
// a commit whose exit code is ignored (empty commits are tolerated).
func (l *Loop) commitSide(ctx context.Context, src Peer, round *Round) error {
	if round.UpdateUntracked {
		if err := l.untrackIgnored(ctx, src, round.Scope); err != nil {
			return fmt.Errorf("%s: untracking newly-ignored files: %w", src.Host.Name(), err)
		}
	}
	res, err := src.DVCS.Commit(ctx, src.Path, round.Scope)
	if err != nil {
		return fmt.Errorf("%s: commit: %w", src.Host.Name(), err)
	}
	round.Committed = res.Committed
	round.Head = res.Head
	if res.Committed {
		l.logf("%s: committed %s (scope %s)", src.Host.Name(), res.Head, round.Scope)
	}
	return nil
}

// untrackIgnored enumerates files under scope that now match an ignore
// rule and removes them from the index without deleting them on disk,
// matching "rm --cached --ignore-unmatch".
func (l *Loop) untrackIgnored(ctx context.Context, src Peer, scope string) error {
	newlyIgnored, err := src.DVCS.ListNewlyIgnored(ctx, src.Path, scope)
	if err != nil {
		return err
	}
	for _, f := range newlyIgnored {
		if err := src.DVCS.Untrack(ctx, src.Path, f); err != nil {
			return err
		}
	}
	return nil
}

// pullInto runs the merge policy on dstSide: fetch+merge with the
// "theirs" strategy, recovering once from a merge blocked by dst's own
// uncommitted local changes by forcing a full commit on dst and retrying
// the merge exactly once.
func (l *Loop) pullInto(ctx context.Context, dstSide string) error {
	dst := l.peers[dstSide]
	result, err := dst.DVCS.Pull(ctx, dst.Path)
	if err != nil {
		return fmt.Errorf("%s: pull: %w", dst.Host.Name(), err)
	}
	if !result.Blocked {
		if result.Output != "" {
			l.logf("%s: %s", dst.Host.Name(), strings.TrimSpace(result.Output))
		}
		return nil
	}

	l.logf("%s: merge blocked by local changes, forcing a commit and retrying once", dst.Host.Name())
	if err := l.untrackIgnored(ctx, dst, "."); err != nil {
		return fmt.Errorf("%s: untracking newly-ignored files before forced commit: %w", dst.Host.Name(), err)
	}
	if _, err := dst.DVCS.Commit(ctx, dst.Path, "."); err != nil {
		return fmt.Errorf("%s: forced commit before merge retry: %w", dst.Host.Name(), err)
	}
	retry, err := dst.DVCS.Pull(ctx, dst.Path)
	if err != nil {
		return fmt.Errorf("%s: retried pull: %w", dst.Host.Name(), err)
	}
	if retry.Blocked {
		return &errs.MergeBlockedError{Side: dstSide}
	}
	return nil
}
