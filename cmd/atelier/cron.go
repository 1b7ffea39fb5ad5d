package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"atelier/internal/embedding"
	"atelier/internal/memory"
	"atelier/internal/project"
	"atelier/internal/usage"
)

// Cron flags
var (
	cronDBPath string
	cronTier   string
	cronDryRun bool
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Scheduled maintenance jobs (consolidation, graduation, briefs)",
	Long: `Maintenance passes meant to run from a scheduler:

  consolidate    merge old short-term memories into long-term ones
  graduate       promote well-used facts toward permanence, decay stale ones
  refresh        flag stale-but-used facts for re-verification
  brief          print the morning brief
  surface-ideas  nudge the oldest backlog ideas`,
}

var cronConsolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Merge old short-term memories into long-term memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openMemoryStore()
		if err != nil {
			return err
		}
		defer store.Close()

		summary, err := store.RunConsolidation(cronTier, cronDryRun)
		if err != nil {
			return err
		}
		zlog().Info("consolidation finished",
			zap.String("tier", cronTier),
			zap.Bool("dry_run", cronDryRun),
			zap.Int("clusters", summary.Clusters),
			zap.Int("consolidated", summary.Consolidated),
			zap.Int("pruned", summary.Pruned))
		fmt.Printf("consolidation (%s%s): %d clusters, %d rows consolidated, %d pruned\n",
			cronTier, dryRunSuffix(), summary.Clusters, summary.Consolidated, summary.Pruned)
		return nil
	},
}

var cronGraduateCmd = &cobra.Command{
	Use:   "graduate",
	Short: "Promote long-verified facts toward permanence",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openMemoryStore()
		if err != nil {
			return err
		}
		defer store.Close()

		summary, err := store.RunGraduation(cronDryRun)
		if err != nil {
			return err
		}
		zlog().Info("graduation finished",
			zap.Bool("dry_run", cronDryRun),
			zap.Int("promoted", summary.Promoted),
			zap.Int("trusted", summary.Trusted),
			zap.Int("decayed", summary.Decayed),
			zap.Int("flagged", summary.Flagged))
		fmt.Printf("graduation%s: %d promoted, %d trusted, %d decayed, %d flagged, %d permanent, %d unchanged\n",
			dryRunSuffix(), summary.Promoted, summary.Trusted, summary.Decayed,
			summary.Flagged, summary.Permanent, summary.Unchanged)
		return nil
	},
}

var cronRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Flag stale but still-used facts for re-verification",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openMemoryStore()
		if err != nil {
			return err
		}
		defer store.Close()

		summary, err := store.RunRefresh()
		if err != nil {
			return err
		}
		zlog().Info("refresh finished",
			zap.Int("flagged", summary.Flagged),
			zap.Int("permanent", summary.AlreadyPermanent),
			zap.Int("skipped", summary.Skipped))
		fmt.Printf("refresh: %d flagged, %d permanent, %d skipped\n",
			summary.Flagged, summary.AlreadyPermanent, summary.Skipped)
		return nil
	},
}

var cronBriefCmd = &cobra.Command{
	Use:   "brief",
	Short: "Print the morning brief",
	RunE:  runBrief,
}

var cronSurfaceIdeasCmd = &cobra.Command{
	Use:   "surface-ideas",
	Short: "Nudge the oldest backlog ideas",
	RunE:  runSurfaceIdeas,
}

func init() {
	cronCmd.PersistentFlags().StringVar(&cronDBPath, "db-path", "", "Memory database path (default: from config)")
	cronConsolidateCmd.Flags().StringVar(&cronTier, "tier", "standard", "Consolidation tier: full or standard")
	cronCmd.PersistentFlags().BoolVar(&cronDryRun, "dry-run", false, "Report what would change without mutating")

	cronCmd.AddCommand(cronConsolidateCmd)
	cronCmd.AddCommand(cronGraduateCmd)
	cronCmd.AddCommand(cronRefreshCmd)
	cronCmd.AddCommand(cronBriefCmd)
	cronCmd.AddCommand(cronSurfaceIdeasCmd)
}

func dryRunSuffix() string {
	if cronDryRun {
		return ", dry run"
	}
	return ""
}

// openMemoryStore opens the memory database for a cron pass, refusing to
// create one: maintenance against a missing database is a deployment bug.
func openMemoryStore() (*memory.Store, error) {
	path := cronDBPath
	if path == "" {
		path = cfg.MemoryDBPath()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no memory database at %s", path)
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:    cfg.Embedding.Provider,
		Dimensions:  cfg.Embedding.Dimensions,
		GenAIAPIKey: cfg.Embedding.GenAIAPIKey,
		GenAIModel:  cfg.Embedding.GenAIModel,
	})
	if err != nil {
		return nil, err
	}
	return memory.Open(path, engine)
}

// runBrief prints the morning brief: active project, yesterday's completed
// tasks, the top of the idea backlog, and token spend.
func runBrief(cmd *cobra.Command, args []string) error {
	projects, err := project.Open(filepath.Join(cfg.DataDir, "projects.db"))
	if err != nil {
		return err
	}
	defer projects.Close()

	fmt.Printf("Morning brief — %s\n\n", time.Now().Format("Monday, January 2"))

	active, err := projects.ActiveProject()
	if err != nil {
		return err
	}
	if active != nil {
		st, err := projects.ProjectStatus(active.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Active project: %s %s (%s)\n", active.Name, st.Progress(), active.Status)
		for _, blocked := range st.Blocked {
			fmt.Printf("  blocked: %q waits on failed %q\n", blocked.Task.Title, blocked.FailedDep.Title)
		}
	} else {
		fmt.Println("No active project.")
	}

	yesterday := time.Now().AddDate(0, 0, -1).Truncate(24 * time.Hour)
	done, err := projects.CompletedTasksSince(yesterday)
	if err != nil {
		return err
	}
	if len(done) > 0 {
		fmt.Println("\nRecently completed:")
		for _, task := range done {
			fmt.Printf("  - %s\n", task.Title)
		}
	}

	ideas, err := projects.BacklogIdeas()
	if err != nil {
		return err
	}
	if len(ideas) > 0 {
		fmt.Println("\nBacklog:")
		for i, idea := range ideas {
			if i == 3 {
				fmt.Printf("  ... and %d more\n", len(ideas)-3)
				break
			}
			fmt.Printf("  %d. %s\n", i+1, idea.Content)
		}
	}

	if tracker, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db")); err == nil {
		defer tracker.Close()
		totals, err := tracker.TotalsSince(yesterday)
		if err == nil && totals.Calls > 0 {
			fmt.Printf("\nYesterday's usage: %d calls, %d tokens", totals.Calls, totals.TotalTokens())
			if totals.Failures > 0 {
				fmt.Printf(" (%d failed)", totals.Failures)
			}
			fmt.Println()
			byAgent, err := tracker.ByAgentSince(yesterday)
			if err == nil {
				for agent, t := range byAgent {
					fmt.Printf("  %s: %d tokens\n", agent, t.TotalTokens())
				}
			}
		}
	}
	return nil
}

// runSurfaceIdeas prints a nudge built from the oldest backlog ideas.
func runSurfaceIdeas(cmd *cobra.Command, args []string) error {
	projects, err := project.Open(filepath.Join(cfg.DataDir, "projects.db"))
	if err != nil {
		return err
	}
	defer projects.Close()

	ideas, err := projects.BacklogIdeas()
	if err != nil {
		return err
	}
	if len(ideas) == 0 {
		fmt.Println("The backlog is empty — nothing to surface.")
		return nil
	}
	if len(ideas) > 3 {
		ideas = ideas[:3]
	}

	fmt.Println("These have been sitting in the backlog the longest:")
	for i, idea := range ideas {
		fmt.Printf("  %d. %s\n", i+1, idea.Content)
	}
	fmt.Println("\nSay \"promote idea N\" in chat to start one, or \"archive idea N\" to let it go.")
	return nil
}
