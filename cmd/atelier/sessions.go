package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"atelier/internal/llm"
	"atelier/internal/usage"
	"atelier/internal/websearch"
)

// Spawn flags
var (
	spawnLabel      string
	spawnModel      string
	spawnSystemFile string
	spawnTools      []string
	spawnMessage    string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Worker session commands",
}

// sessionsSpawnCmd is the worker end of the spawner: the orchestrator
// execs this subcommand as a child process, one per delegated task. The
// worker's answer is its stdout; anything on stderr plus a non-zero exit
// marks the task failed.
var sessionsSpawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Run one worker session to completion",
	RunE:  runSpawn,
}

func init() {
	sessionsSpawnCmd.Flags().StringVar(&spawnLabel, "label", "", "Session label (for usage attribution)")
	sessionsSpawnCmd.Flags().StringVar(&spawnModel, "model", "", "Model to use (default: from config)")
	sessionsSpawnCmd.Flags().StringVar(&spawnSystemFile, "system-file", "", "File holding the system prompt")
	sessionsSpawnCmd.Flags().StringSliceVar(&spawnTools, "tool", nil, "Tool the session may use (repeatable)")
	sessionsSpawnCmd.Flags().StringVar(&spawnMessage, "message", "", "The task message")
	sessionsSpawnCmd.MarkFlagRequired("message")

	sessionsCmd.AddCommand(sessionsSpawnCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSpawn(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	system := ""
	if spawnSystemFile != "" {
		data, err := os.ReadFile(spawnSystemFile)
		if err != nil {
			return fmt.Errorf("failed to read system prompt: %w", err)
		}
		system = string(data)
	}

	model := spawnModel
	if model == "" {
		model = cfg.LLM.DefaultModel
	}
	agent := spawnLabel
	if i := strings.LastIndex(agent, "_"); i > 0 {
		agent = agent[:i]
	}
	if agent == "" {
		agent = "worker"
	}

	var opts []llm.Option
	if tracker, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db")); err == nil {
		defer tracker.Close()
		opts = append(opts, llm.WithUsageRecorder(tracker))
	}
	client := llm.NewClient(cfg.LLM.DefaultModel, opts...)

	message := spawnMessage
	if hasTool("web_search") {
		if extra := searchContext(ctx, spawnMessage); extra != "" {
			message = extra + "\n\n" + message
		}
	}

	zlog().Info("worker session starting",
		zap.String("label", spawnLabel),
		zap.String("model", model),
		zap.Strings("tools", spawnTools))

	resp := client.Generate(ctx, llm.Request{
		Agent:       agent,
		Model:       model,
		System:      system,
		Messages:    []llm.Message{{Role: "user", Content: message}},
		Temperature: 0.4,
		IsCode:      hasTool("exec") || hasTool("write"),
	})
	if resp.Err {
		zlog().Error("worker session failed",
			zap.String("label", spawnLabel),
			zap.String("error", resp.Message))
		return fmt.Errorf("%s", resp.Message)
	}
	fmt.Println(resp.Content)
	return nil
}

func hasTool(name string) bool {
	for _, t := range spawnTools {
		if t == name {
			return true
		}
	}
	return false
}

// searchContext runs the configured web search and renders the hits as
// grounding context. No backend, or a failed search, contributes nothing.
func searchContext(ctx context.Context, query string) string {
	searcher, err := websearch.New(websearch.Config{
		Backend: cfg.Search.Backend,
		APIKey:  cfg.Search.APIKey,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: search backend unavailable: %v\n", err)
		return ""
	}

	results, err := searcher.Search(ctx, query, 5)
	if err != nil || len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Web search results:\n")
	for _, r := range results {
		fmt.Fprintf(&sb, "- %s (%s)\n  %s\n", r.Title, r.URL, r.Snippet)
	}
	return sb.String()
}
