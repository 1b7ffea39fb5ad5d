package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinary writes an executable shell script standing in for the
// worker binary.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func promptsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "builder"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "builder", "SOUL.md"), []byte("You build things carefully."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "TEAM.md"), []byte("Work as a team."), 0o644))
	return dir
}

func testSpawner(t *testing.T, script string) *Spawner {
	t.Helper()
	s, err := NewSpawner(fakeBinary(t, script), promptsDir(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSystemPromptAssembly(t *testing.T) {
	pc, err := NewPromptCache(promptsDir(t))
	require.NoError(t, err)
	defer pc.Close()

	prompt := pc.SystemPrompt("builder", map[string]interface{}{"task_spec": "add a flag"})

	soulIdx := strings.Index(prompt, "You build things carefully.")
	teamIdx := strings.Index(prompt, "Work as a team.")
	ctxIdx := strings.Index(prompt, "```json")
	require.GreaterOrEqual(t, soulIdx, 0)
	assert.Greater(t, teamIdx, soulIdx, "team charter follows the soul")
	assert.Greater(t, ctxIdx, teamIdx, "context block comes last")
	assert.Contains(t, prompt, `"task_spec": "add a flag"`)
}

func TestSystemPromptFallbackSoul(t *testing.T) {
	pc, err := NewPromptCache(t.TempDir())
	require.NoError(t, err)
	defer pc.Close()

	prompt := pc.SystemPrompt("verifier", nil)
	assert.Equal(t, "You are the verifier agent.", prompt)
}

func TestPromptCacheInvalidatesOnChange(t *testing.T) {
	dir := promptsDir(t)
	pc, err := NewPromptCache(dir)
	require.NoError(t, err)
	defer pc.Close()

	assert.Equal(t, "You build things carefully.", pc.Soul("builder"))

	soulPath := filepath.Join(dir, "builder", "SOUL.md")
	require.NoError(t, os.WriteFile(soulPath, []byte("You build things quickly."), 0o644))

	require.Eventually(t, func() bool {
		return pc.Soul("builder") == "You build things quickly."
	}, 2*time.Second, 20*time.Millisecond, "watcher should invalidate the cached soul")
}

func TestRunSuccessCapturesStdout(t *testing.T) {
	s := testSpawner(t, `echo "worker result"`)

	res := s.Run(context.Background(), Task{
		Agent: "builder", Action: "implement", Model: "deepseek-chat",
		Message: "build it",
	})

	assert.True(t, res.Success)
	assert.Equal(t, "worker result", res.Content)
	assert.Empty(t, res.Error)
}

func TestRunPassesSpawnArguments(t *testing.T) {
	s := testSpawner(t, `for a in "$@"; do echo "$a"; done`)

	res := s.Run(context.Background(), Task{
		Agent: "builder", Model: "qwen-max",
		Tools:   []string{"exec", "read"},
		Message: "do the thing",
	})

	require.True(t, res.Success, res.Error)
	lines := strings.Split(res.Content, "\n")
	assert.Equal(t, "sessions", lines[0])
	assert.Equal(t, "spawn", lines[1])
	assert.Contains(t, res.Content, "--label\nbuilder_")
	assert.Contains(t, res.Content, "--model\nqwen-max")
	assert.Contains(t, res.Content, "--tool\nexec\n--tool\nread")
	assert.Contains(t, res.Content, "--message\ndo the thing")
}

func TestRunCleansUpSystemPromptFile(t *testing.T) {
	// The script reports the --system-file path so the test can check it
	// is gone afterwards.
	s := testSpawner(t, `
prev=""
for a in "$@"; do
  if [ "$prev" = "--system-file" ]; then echo "$a"; fi
  prev="$a"
done`)

	res := s.Run(context.Background(), Task{Agent: "builder", Message: "x"})
	require.True(t, res.Success, res.Error)

	path := strings.TrimSpace(res.Content)
	require.NotEmpty(t, path)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "system prompt temp file must be removed")
}

func TestRunFailureCapturesStderr(t *testing.T) {
	s := testSpawner(t, `echo "boom" >&2; exit 3`)

	res := s.Run(context.Background(), Task{Agent: "builder", Message: "x"})

	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)
	assert.Empty(t, res.Content)
}

func TestRunTimeoutKillsChild(t *testing.T) {
	s := testSpawner(t, `sleep 5`)

	start := time.Now()
	res := s.Run(context.Background(), Task{
		Agent: "builder", Message: "x",
		Timeout: 100 * time.Millisecond,
	})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second, "child must be killed, not awaited")
}

func TestTimeoutForDefaults(t *testing.T) {
	tests := []struct {
		agent string
		want  time.Duration
	}{
		{"builder", 120 * time.Second},
		{"verifier", 90 * time.Second},
		{"researcher", 90 * time.Second},
		{"guardian", 120 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TimeoutFor(Task{Agent: tt.agent}), tt.agent)
	}
	assert.Equal(t, time.Second, TimeoutFor(Task{Agent: "builder", Timeout: time.Second}))
}

func TestDelegateParallelPartialFailure(t *testing.T) {
	// Fails only when the message asks it to.
	s := testSpawner(t, `
last=""
for a in "$@"; do last="$a"; done
case "$last" in
  *fail*) echo "requested failure" >&2; exit 1 ;;
  *) echo "ok: $last" ;;
esac`)

	results := s.DelegateParallel(context.Background(), []Task{
		{Agent: "builder", Message: "please fail"},
		{Agent: "researcher", Message: "succeed"},
	})

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Equal(t, "requested failure", results[0].Error)
	assert.True(t, results[1].Success, "sibling failure must not cancel the other task")
	assert.Equal(t, "ok: succeed", results[1].Content)
}

func TestDelegateParallelRunsConcurrently(t *testing.T) {
	s := testSpawner(t, `sleep 0.3; echo done`)

	start := time.Now()
	results := s.DelegateParallel(context.Background(), []Task{
		{Agent: "builder", Message: "a"},
		{Agent: "verifier", Message: "b"},
		{Agent: "researcher", Message: "c"},
	})

	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success, r.Error)
	}
	assert.Less(t, time.Since(start), 800*time.Millisecond, "tasks should overlap")
}
