package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"atelier/internal/logging"
)

// Per-agent spawn deadlines, applied when a task carries none.
var defaultTimeouts = map[string]time.Duration{
	"builder":    120 * time.Second,
	"verifier":   90 * time.Second,
	"researcher": 90 * time.Second,
}

const fallbackTimeout = 120 * time.Second

// Task describes one delegation to a worker agent.
type Task struct {
	Agent   string
	Action  string
	Model   string
	Message string
	Context map[string]interface{}
	Tools   []string
	Timeout time.Duration
}

// Result is the outcome of one spawned session.
type Result struct {
	Agent    string
	Action   string
	Success  bool
	Content  string
	Error    string
	Duration time.Duration
}

// Spawner launches worker sessions as child processes of the configured
// binary and collects their stdout as the task result.
type Spawner struct {
	binary  string
	prompts *PromptCache
}

// NewSpawner builds a spawner that runs binary for each session, with
// prompt assets under promptsDir.
func NewSpawner(binary, promptsDir string) (*Spawner, error) {
	if binary == "" {
		return nil, errors.New("spawn binary not configured")
	}
	prompts, err := NewPromptCache(promptsDir)
	if err != nil {
		return nil, err
	}
	logging.Session("spawner ready: binary=%s prompts=%s", binary, promptsDir)
	return &Spawner{binary: binary, prompts: prompts}, nil
}

// Close releases the prompt watcher.
func (s *Spawner) Close() error {
	return s.prompts.Close()
}

// Prompts exposes the cache for callers that assemble prompts themselves.
func (s *Spawner) Prompts() *PromptCache {
	return s.prompts
}

// TimeoutFor returns the effective deadline for a task.
func TimeoutFor(task Task) time.Duration {
	if task.Timeout > 0 {
		return task.Timeout
	}
	if d, ok := defaultTimeouts[task.Agent]; ok {
		return d
	}
	return fallbackTimeout
}

// Run spawns one worker session and blocks until it exits or times out.
// A timed-out child is killed. Failures come back in the Result, not as
// an error: only spawn-setup problems (temp file, bad binary path) are
// also reflected there.
func (s *Spawner) Run(ctx context.Context, task Task) Result {
	start := time.Now()
	label := fmt.Sprintf("%s_%s", task.Agent, uuid.NewString()[:8])

	systemPrompt := s.prompts.SystemPrompt(task.Agent, task.Context)
	systemFile, err := writeTempPrompt(systemPrompt)
	if err != nil {
		return Result{
			Agent: task.Agent, Action: task.Action,
			Error:    fmt.Sprintf("failed to stage system prompt: %v", err),
			Duration: time.Since(start),
		}
	}
	defer os.Remove(systemFile)

	args := []string{
		"sessions", "spawn",
		"--label", label,
		"--model", task.Model,
		"--system-file", systemFile,
	}
	for _, tool := range task.Tools {
		args = append(args, "--tool", tool)
	}
	args = append(args, "--message", task.Message)

	timeout := TimeoutFor(task)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.Session("spawning %s (model=%s timeout=%s)", label, task.Model, timeout)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, s.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		logging.SessionWarn("%s timed out after %s, killed", label, timeout)
		return Result{
			Agent: task.Agent, Action: task.Action,
			Error:    fmt.Sprintf("timed out after %s", timeout),
			Duration: elapsed,
		}
	}
	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = runErr.Error()
		}
		logging.SessionWarn("%s failed: %s", label, detail)
		return Result{
			Agent: task.Agent, Action: task.Action,
			Error:    detail,
			Duration: elapsed,
		}
	}

	logging.Session("%s completed in %s", label, elapsed)
	return Result{
		Agent: task.Agent, Action: task.Action,
		Success:  true,
		Content:  strings.TrimSpace(stdout.String()),
		Duration: elapsed,
	}
}

// writeTempPrompt stages the system prompt in a temp file the child can
// read. The caller removes it on every exit path.
func writeTempPrompt(content string) (string, error) {
	f, err := os.CreateTemp("", "atelier-system-*.md")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
