package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"atelier/internal/embedding"
	"atelier/internal/memory"
)

const (
	storeDedupThreshold = 0.9
	recallTopK          = 5
	recallThreshold     = 0.3
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Store to or recall from the memory database directly",
}

var memoryStoreCmd = &cobra.Command{
	Use:   "store [text]",
	Short: "Store a memory, skipping near-duplicates",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMemoryStore,
}

var memoryRecallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Recall memories similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMemoryRecall,
}

func init() {
	memoryCmd.PersistentFlags().StringVar(&cronDBPath, "db-path", "", "Memory database path (default: from config)")
	memoryCmd.AddCommand(memoryStoreCmd)
	memoryCmd.AddCommand(memoryRecallCmd)
}

func runMemoryStore(cmd *cobra.Command, args []string) error {
	// Unlike the cron passes, storing may create the database.
	path := cronDBPath
	if path == "" {
		path = cfg.MemoryDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	engine, err := embedding.NewEngine(embedding.Config{
		Provider:    cfg.Embedding.Provider,
		Dimensions:  cfg.Embedding.Dimensions,
		GenAIAPIKey: cfg.Embedding.GenAIAPIKey,
		GenAIModel:  cfg.Embedding.GenAIModel,
	})
	if err != nil {
		return err
	}
	store, err := memory.Open(path, engine)
	if err != nil {
		return err
	}
	defer store.Close()

	text := strings.Join(args, " ")
	ctx := context.Background()

	vec, err := store.Engine().Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed: %w", err)
	}

	recent, err := store.RecentMemories(memory.DedupWindow)
	if err != nil {
		return err
	}
	for _, m := range recent {
		if m.Embedding == nil {
			continue
		}
		sim, err := embedding.CosineSimilarity(vec, m.Embedding)
		if err != nil {
			continue
		}
		if sim >= storeDedupThreshold {
			fmt.Printf("skipped: %.0f%% similar to existing memory %s\n", sim*100, m.ID)
			return nil
		}
	}

	mem := &memory.Memory{
		Content:     text,
		Embedding:   vec,
		Importance:  memory.ScoreImportanceHeuristic(text),
		SourceAgent: "cli",
	}
	if err := store.InsertMemory(mem); err != nil {
		return err
	}
	fmt.Printf("stored %s (importance: %.2f)\n", mem.ID, mem.Importance)
	return nil
}

func runMemoryRecall(cmd *cobra.Command, args []string) error {
	store, err := openMemoryStore()
	if err != nil {
		return err
	}
	defer store.Close()

	query := strings.Join(args, " ")
	results, err := store.RecallSimilar(context.Background(), query, recallTopK, recallThreshold)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("nothing similar found.")
		return nil
	}
	for _, r := range results {
		fmt.Printf("[%s] (importance: %.2f) %s\n",
			r.CreatedAt.Format("2006-01-02 15:04"), r.Importance, r.Content)
	}
	return nil
}
