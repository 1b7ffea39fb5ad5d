// atelier is a personal multi-agent assistant: one orchestrator that
// chats, remembers, and drives projects by delegating to worker agents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"atelier/internal/config"
	"atelier/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Loaded configuration, available to every subcommand.
	cfg *config.Config

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "atelier",
	Short: "atelier - a personal multi-agent assistant",
	Long: `atelier is a personal assistant with a memory and a workshop.

The orchestrator answers simple questions itself, remembers what matters
across conversations, and delegates real work (coding, research,
verification) to worker agents spawned as child sessions. Multi-step
requests become projects with features, tasks, and dependencies that it
works through one task at a time.

Run without arguments to start the interactive chat.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Interactive chat owns the terminal; keep its output clean.
		if cmd.Use == "atelier" && cmd.CalledAs() == "atelier" {
			return loadConfiguration()
		}

		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return loadConfiguration()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: launch interactive chat
		return runChat(cmd, args)
	},
}

func loadConfiguration() error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if workspace != "" {
		cfg.WorkspaceDir = workspace
	}
	if err := logging.Initialize(cfg.WorkspaceDir); err != nil {
		// Category logging is debug tooling; never block startup on it.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	zlog().Info("configuration loaded",
		zap.String("config", configPath),
		zap.String("data_dir", cfg.DataDir),
		zap.String("workspace", cfg.WorkspaceDir),
		zap.String("default_model", cfg.LLM.DefaultModel))
	return nil
}

// zlog returns the process logger. Interactive chat keeps its terminal
// clean by never building one; callers get a nop instead of a nil check.
func zlog() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "atelier.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: from config)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(memoryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zlog().Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
