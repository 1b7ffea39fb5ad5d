// Package gitops auto-commits completed task work. Everything here is
// best-effort: a missing repo or a failing git never fails the task.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"atelier/internal/logging"
)

const gitTimeout = 30 * time.Second

// Committer runs git in a fixed working directory.
type Committer struct {
	dir string
}

// NewCommitter builds a committer rooted at dir.
func NewCommitter(dir string) *Committer {
	return &Committer{dir: dir}
}

func (c *Committer) git(ctx context.Context, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = c.dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}

// IsRepo reports whether the directory is inside a git work tree.
func (c *Committer) IsRepo(ctx context.Context) bool {
	out, err := c.git(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CommitTask stages everything and commits with a conventional message,
// "feat(<scope>): <title>". Returns the commit message used, or empty
// when nothing was committed.
func (c *Committer) CommitTask(ctx context.Context, scope, title string) string {
	if !c.IsRepo(ctx) {
		logging.Gitops("skipping commit: %s is not a git repo", c.dir)
		return ""
	}

	if _, err := c.git(ctx, "add", "-A"); err != nil {
		logging.GitopsWarn("git add failed: %v", err)
		return ""
	}

	status, err := c.git(ctx, "status", "--porcelain")
	if err != nil {
		logging.GitopsWarn("git status failed: %v", err)
		return ""
	}
	if status == "" {
		logging.Gitops("nothing to commit for %q", title)
		return ""
	}

	message := FormatMessage(scope, title)
	if out, err := c.git(ctx, "commit", "-m", message); err != nil {
		logging.GitopsWarn("git commit failed: %v (%s)", err, out)
		return ""
	}
	logging.Gitops("committed: %s", message)
	return message
}

// FormatMessage renders the conventional commit subject.
func FormatMessage(scope, title string) string {
	scope = strings.TrimSpace(scope)
	title = strings.TrimSpace(title)
	if scope == "" {
		scope = "task"
	}
	return fmt.Sprintf("feat(%s): %s", sanitizeScope(scope), title)
}

// sanitizeScope lowers the scope and squeezes it into one token.
func sanitizeScope(scope string) string {
	scope = strings.ToLower(scope)
	fields := strings.Fields(scope)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	return strings.Join(fields, "-")
}
