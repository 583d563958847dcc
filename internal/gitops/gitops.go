// Package gitops wraps the git operations the executor needs: checkpoint
// commits before agent work, committing agent output, and diff retrieval
// for verification.
//
// All mutating operations on one project repository are serialized through a
// process-wide per-project lock so parallel tasks touching the same checkout
// never interleave index updates.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"autodev/internal/logging"
)

// DiffMaxChars caps the diff text handed to verification.
const DiffMaxChars = 15000

var (
	projectLocksMu sync.Mutex
	projectLocks   = map[string]*sync.Mutex{}
)

// lockFor returns the process-wide mutex for a project directory.
func lockFor(dir string) *sync.Mutex {
	projectLocksMu.Lock()
	defer projectLocksMu.Unlock()
	if l, ok := projectLocks[dir]; ok {
		return l
	}
	l := &sync.Mutex{}
	projectLocks[dir] = l
	return l
}

// Repo is a handle on one project checkout.
type Repo struct {
	dir string
}

// Open validates that dir is inside a git work tree.
func Open(ctx context.Context, dir string) (*Repo, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("not a git repository: %s", dir)
	}
	return &Repo{dir: dir}, nil
}

// Dir returns the checkout directory.
func (r *Repo) Dir() string { return r.dir }

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// HasUncommittedChanges reports whether the work tree or index is dirty.
func (r *Repo) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Checkpoint commits any pre-existing dirty state so agent work starts from
// a clean tree. Returns the checkpoint commit hash, or "" when the tree was
// already clean.
func (r *Repo) Checkpoint(ctx context.Context, label string) (string, error) {
	lock := lockFor(r.dir)
	lock.Lock()
	defer lock.Unlock()

	dirty, err := r.HasUncommittedChanges(ctx)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}

	msg := sanitizeMessage("checkpoint: " + label)
	if err := r.commitAll(ctx, msg); err != nil {
		return "", fmt.Errorf("checkpoint commit: %w", err)
	}
	hash, err := r.headHash(ctx)
	if err != nil {
		return "", err
	}
	logging.Git("Checkpoint %s committed in %s", short(hash), r.dir)
	return hash, nil
}

// CommitTaskWork stages and commits everything the agent changed. Returns
// the commit hash, or "" when the agent produced no changes.
func (r *Repo) CommitTaskWork(ctx context.Context, taskID int64, title string) (string, error) {
	lock := lockFor(r.dir)
	lock.Lock()
	defer lock.Unlock()

	dirty, err := r.HasUncommittedChanges(ctx)
	if err != nil {
		return "", err
	}
	if !dirty {
		logging.Git("Task #%d produced no changes in %s", taskID, r.dir)
		return "", nil
	}

	msg := sanitizeMessage(fmt.Sprintf("task #%d: %s", taskID, title))
	if err := r.commitAll(ctx, msg); err != nil {
		return "", fmt.Errorf("task commit: %w", err)
	}
	hash, err := r.headHash(ctx)
	if err != nil {
		return "", err
	}
	logging.Git("Task #%d committed as %s", taskID, short(hash))
	return hash, nil
}

func (r *Repo) commitAll(ctx context.Context, message string) error {
	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return err
	}
	// --no-verify: agent-produced commits must not be blocked by repo hooks.
	_, err := r.git(ctx, "commit", "-m", message, "--no-verify")
	return err
}

func (r *Repo) headHash(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Diff returns the change under review: uncommitted changes against HEAD
// when the tree is dirty, otherwise the last commit (HEAD~1..HEAD). The
// result is truncated to DiffMaxChars.
func (r *Repo) Diff(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "diff", "HEAD")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		// Tree is clean; fall back to the last commit. A repository with a
		// single commit has no HEAD~1, which is not an error here.
		prev, err := r.git(ctx, "diff", "HEAD~1..HEAD")
		if err == nil {
			out = prev
		}
	}
	return Truncate(out, DiffMaxChars), nil
}

// ChangedFiles lists paths touched since the given commit, or in the work
// tree when since is empty.
func (r *Repo) ChangedFiles(ctx context.Context, since string) ([]string, error) {
	var out string
	var err error
	if since == "" {
		out, err = r.git(ctx, "diff", "HEAD", "--name-only")
	} else {
		out, err = r.git(ctx, "diff", since+"..HEAD", "--name-only")
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Truncate clips s to max characters, marking the cut.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... [truncated]"
}

// sanitizeMessage strips control characters so task titles cannot smuggle
// newlines or escapes into the commit message.
func sanitizeMessage(msg string) string {
	var b strings.Builder
	b.Grow(len(msg))
	for _, r := range msg {
		if r < 0x20 || r == 0x7f {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > 200 {
		out = out[:200]
	}
	return out
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
