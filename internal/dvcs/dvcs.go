// Package dvcs wraps invocations of the forked "grit" binary: the private
// DVCS engine every gritsync repository pair is built on. The engine
// itself is treated as an opaque external command; this package only
// issues the exact argv the Sync Loop and Repo Bootstrapper need and
// interprets its exit contract.
package dvcs

import (
	"context"
	"fmt"
	"strings"

	"gritsync/internal/errs"
	"gritsync/internal/hostctx"
)

// BinaryName is the forked DVCS client's executable name.
const BinaryName = "grit"

// IgnoreFileName is the per-repo ignore-rules file, analogous to .gitignore.
const IgnoreFileName = ".gritignore"

// RepoDirName is the engine's private metadata directory, analogous to
// .git. Renamed so a gritsync-managed tree never collides with an
// unrelated git repository rooted at the same path.
const RepoDirName = ".grit"

// RemoteName is the single remote every repo is configured with, pointing
// back through the tunnel at the peer's daemon.
const RemoteName = "origin"

// Client issues grit invocations against one Host.
type Client struct {
	host hostctx.Host
}

// New returns a Client bound to h. Paths passed to its methods are used
// as given; they are not resolved through h.Path.
func New(h hostctx.Host) *Client {
	return &Client{host: h}
}

func (c *Client) run(ctx context.Context, repoPath string, args ...string) (hostctx.RunResult, error) {
	argv := append([]string{BinaryName}, args...)
	return c.host.Run(ctx, []string{"sh", "-c", cdAndRun(repoPath, argv)})
}

// cdAndRun builds a single shell line that changes into repoPath before
// running argv, since Host.Run has no notion of a per-call working
// directory and every grit invocation is repo-rooted.
func cdAndRun(repoPath string, argv []string) string {
	return fmt.Sprintf("cd %s && exec %s", hostctx.ShellQuote(repoPath), hostctx.QuoteArgv(argv))
}

// Version returns the grit client's reported version string.
func (c *Client) Version(ctx context.Context, repoPath string) (string, error) {
	res, err := c.run(ctx, repoPath, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RevParseHead returns the current HEAD commit hash, or "" if the
// repository has no commits yet (an unborn HEAD).
func (c *Client) RevParseHead(ctx context.Context, repoPath string) (string, error) {
	res, err := c.run(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	head := strings.TrimSpace(res.Stdout)
	if head == "" || head == "HEAD" {
		return "", nil
	}
	return head, nil
}

// TailHash returns the hash of repoPath's root (parentless) commit, used
// as the compatibility token two repositories are peered on: two repos can
// only be peered if their tail hashes are equal. Returns "" for a
// repository with no commits yet.
func (c *Client) TailHash(ctx context.Context, repoPath string) (string, error) {
	res, err := c.run(ctx, repoPath, "rev-list", "--max-parents=0", "HEAD")
	if err != nil {
		return "", err
	}
	trimmed := strings.TrimSpace(res.Stdout)
	if trimmed == "" {
		return "", nil
	}
	// A repo with unrelated histories could report more than one root
	// commit; the first line is a deterministic, stable choice.
	return strings.SplitN(trimmed, "\n", 2)[0], nil
}

// pathExists reports whether path is present on the host, dispatching the
// POSIX/Windows test form the same way internal/supervisor dispatches
// pidfile commands.
func (c *Client) pathExists(ctx context.Context, path string) (bool, error) {
	var argv []string
	if c.host.OS() == hostctx.OSWindows {
		argv = []string{"cmd", "/c", fmt.Sprintf("if exist %q (exit 0) else (exit 1)", path)}
	} else {
		argv = []string{"test", "-e", path}
	}
	res, err := c.host.Run(ctx, argv)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// InitBare ensures syncPath exists and is a grit repository, without
// seeding an initial commit. This is what the cross-seed destination side
// must use rather than Init: giving it its own root commit would hand it
// a tail hash that can never again match the source's (two parentless
// commits stay parentless forever), breaking the once-bootstrapped
// tail-hash-equality invariant. Left with a truly unborn master, the
// destination's first Pull fast-forwards straight onto the source's
// history instead of merging two unrelated ones, so the tail hashes
// converge exactly.
func (c *Client) InitBare(ctx context.Context, syncPath string) (didWork bool, err error) {
	rootExists, err := c.pathExists(ctx, syncPath)
	if err != nil {
		return false, err
	}
	if !rootExists {
		if _, err := c.host.Run(ctx, []string{"mkdir", "-p", syncPath}); err != nil {
			return false, fmt.Errorf("creating %s: %w", syncPath, err)
		}
		didWork = true
	}

	repoMeta := syncPath + "/" + RepoDirName
	metaExists, err := c.pathExists(ctx, repoMeta)
	if err != nil {
		return didWork, err
	}
	if !metaExists {
		if _, err := c.run(ctx, syncPath, "init"); err != nil {
			return didWork, fmt.Errorf("grit init: %w", err)
		}
		didWork = true
	}
	return didWork, nil
}

// Init ensures syncPath exists, is a grit repository, and has at least one
// commit (creating an empty initial commit and the default ignore file
// when the repository is freshly created). It returns whether it did any
// work, matching the idempotent "already initialized" check the distilled
// spec requires on every startup. Used for the side that originates
// history; see InitBare for the cross-seed destination.
func (c *Client) Init(ctx context.Context, syncPath, defaultIgnore string) (didWork bool, err error) {
	didWork, err = c.InitBare(ctx, syncPath)
	if err != nil {
		return didWork, err
	}

	head, err := c.RevParseHead(ctx, syncPath)
	if err != nil {
		return didWork, err
	}
	if head == "" {
		if err := c.writeIgnoreFile(ctx, syncPath, defaultIgnore); err != nil {
			return didWork, err
		}
		if _, err := c.run(ctx, syncPath, "commit", "--allow-empty", "--message", "Initial commit"); err != nil {
			return didWork, fmt.Errorf("grit commit (initial): %w", err)
		}
		didWork = true
	}
	return didWork, nil
}

func (c *Client) writeIgnoreFile(ctx context.Context, syncPath, contents string) error {
	target := syncPath + "/" + IgnoreFileName
	script := fmt.Sprintf("printf '%%s' %s > %s", hostctx.ShellQuote(contents), hostctx.ShellQuote(target))
	argv := []string{"sh", "-c", script}
	res, err := c.host.Run(ctx, argv)
	_ = res
	if err != nil {
		return fmt.Errorf("writing %s: %w", IgnoreFileName, err)
	}
	return nil
}

// ListNewlyIgnored enumerates tracked files under scope that now match an
// ignore rule, so the caller can untrack them before the next add --all
// picks scope back up. Returns relative paths, one per line of output.
func (c *Client) ListNewlyIgnored(ctx context.Context, repoPath, scope string) ([]string, error) {
	res, err := c.run(ctx, repoPath, "ls-files", "-i", "--exclude-standard", "--", scope)
	if err != nil {
		return nil, fmt.Errorf("grit ls-files -i: %w", err)
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Untrack removes file from the index without deleting it on disk,
// tolerating the case where it was already untracked.
func (c *Client) Untrack(ctx context.Context, repoPath, file string) error {
	if _, err := c.run(ctx, repoPath, "rm", "--cached", "--ignore-unmatch", "--", file); err != nil {
		return fmt.Errorf("grit rm --cached %s: %w", file, err)
	}
	return nil
}

// CommitResult reports whether Commit produced a new commit and, if so,
// its hash and the raw engine output for the terminal quote.
type CommitResult struct {
	Committed bool
	Head      string
	Output    string
}

// Commit stages every change under scope (a path relative to repoPath; "."
// for the whole tree) and commits it with a fixed "autocommit" message. A
// commit that would be empty (nothing changed) is not an error; Committed
// is simply false.
func (c *Client) Commit(ctx context.Context, repoPath, scope string) (CommitResult, error) {
	if scope == "" {
		scope = "."
	}
	before, err := c.RevParseHead(ctx, repoPath)
	if err != nil {
		return CommitResult{}, err
	}
	if _, err := c.run(ctx, repoPath, "add", "--all", "--", scope); err != nil {
		return CommitResult{}, fmt.Errorf("grit add: %w", err)
	}
	res, _ := c.run(ctx, repoPath, "commit", "--message", "autocommit")
	after, err := c.RevParseHead(ctx, repoPath)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{
		Committed: before != after,
		Head:      after,
		Output:    res.Stdout + res.Stderr,
	}, nil
}

// PullResult reports the raw merge output and whether the merge was
// blocked by uncommitted local changes (recoverable: the next commit round
// should pick those changes up, then retry the pull once).
type PullResult struct {
	Output  string
	Blocked bool
}

// Pull fetches from origin and merges with the "theirs" strategy, matching
// the distilled spec's conflict-resolution contract: the remote side's
// version of any textually-conflicting file always wins.
func (c *Client) Pull(ctx context.Context, repoPath string) (PullResult, error) {
	if _, err := c.run(ctx, repoPath, "fetch", RemoteName); err != nil {
		return PullResult{}, fmt.Errorf("grit fetch: %w", err)
	}
	res, _ := c.run(ctx, repoPath, "merge", RemoteName+"/master",
		"--strategy=recursive", "--strategy-option=theirs", "--no-edit")
	return PullResult{
		Output:  res.Stdout + res.Stderr,
		Blocked: errs.IsMergeBlocked(res.Stderr),
	}, nil
}

// SetupOrigin (re)configures the repo's remote to point at the peer's
// daemon through the tunnel's forwarded connect_port, at the path the
// daemon's repos/<tail_hash> symlink layout expects, and sets the identity
// grit commits under.
func (c *Client) SetupOrigin(ctx context.Context, repoPath string, connectPort int, tailHash string) error {
	// Ignore the error: the remote may not exist yet on a fresh repo.
	_, _ = c.run(ctx, repoPath, "remote", "rm", RemoteName)

	remoteURL := fmt.Sprintf("%s://localhost:%d/%s/", BinaryName, connectPort, tailHash)
	if _, err := c.run(ctx, repoPath, "remote", "add", RemoteName, remoteURL); err != nil {
		return fmt.Errorf("grit remote add: %w", err)
	}
	for _, kv := range [][2]string{
		{"color.ui", "always"},
		{"user.name", "grit-sync"},
		{"user.email", "grit-sync@nowhere.com"},
	} {
		if _, err := c.run(ctx, repoPath, "config", kv[0], kv[1]); err != nil {
			return fmt.Errorf("grit config %s: %w", kv[0], err)
		}
	}
	return nil
}

// ReposDir is the daemon's shared --base-path on a given state directory:
// every peered repo on a host is reachable under it via a per-tail-hash
// symlink, so one daemon process can serve multiple concurrent sync
// sessions without colliding.
func ReposDir(stateDir string) string {
	return stateDir + "/repos"
}

// ensureRepoLink symlinks <state_dir>/repos/<tail_hash> to syncPath, so the
// daemon's --base-path lookup finds this repository.
func (c *Client) ensureRepoLink(ctx context.Context, stateDir, tailHash, syncPath string) error {
	reposDir := ReposDir(stateDir)
	link := reposDir + "/" + tailHash
	if c.host.OS() == hostctx.OSWindows {
		script := fmt.Sprintf("if not exist %q mkdir %q & rmdir %q >nul 2>&1 & mklink /D %q %q",
			reposDir, reposDir, link, link, syncPath)
		_, err := c.host.Run(ctx, []string{"cmd", "/c", script})
		return err
	}
	script := fmt.Sprintf("mkdir -p %s && ln -sfn %s %s",
		hostctx.ShellQuote(reposDir), hostctx.ShellQuote(syncPath), hostctx.ShellQuote(link))
	_, err := c.host.Run(ctx, []string{"sh", "-c", script})
	return err
}

// StartDaemon launches the grit daemon bound to bindPort, exporting every
// repo symlinked under <state_dir>/repos/. It does not wait for the
// daemon to exit; the caller registers the returned handle's PID with the
// Process Supervisor under the "daemon" name.
func (c *Client) StartDaemon(ctx context.Context, stateDir, syncPath, tailHash string, bindPort int, pidfilePath string) (hostctx.ProcessHandle, error) {
	if err := c.ensureRepoLink(ctx, stateDir, tailHash, syncPath); err != nil {
		return nil, fmt.Errorf("linking %s into daemon base-path: %w", syncPath, err)
	}
	argv := []string{
		BinaryName, "daemon", "--export-all",
		"--base-path=" + ReposDir(stateDir),
		"--pid-file=" + pidfilePath,
		"--reuseaddr",
		"--listen=localhost",
		fmt.Sprintf("--port=%d", bindPort),
	}
	proc, err := c.host.Popen(ctx, argv)
	if err != nil {
		return nil, fmt.Errorf("%s: starting grit daemon: %w", c.host.Name(), err)
	}
	return proc, nil
}
