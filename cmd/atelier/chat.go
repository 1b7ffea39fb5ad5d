package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"atelier/internal/brain"
	"atelier/internal/bus"
	"atelier/internal/embedding"
	"atelier/internal/gitops"
	"atelier/internal/guardian"
	"atelier/internal/llm"
	"atelier/internal/memory"
	"atelier/internal/project"
	"atelier/internal/session"
	"atelier/internal/usage"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive chat loop",
	RunE:  runChat,
}

var runCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Handle a single message and exit",
	Long: `Processes one message through the orchestrator: classify, answer or
delegate, update memory, and print the reply. Useful for scripting and
for cron-driven nudges.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSingle,
}

// assistant bundles the wired subsystems and their teardown.
type assistant struct {
	brain       *brain.Brain
	bus         *bus.Bus
	interceptor *guardian.Interceptor
	closers     []func() error
}

func (a *assistant) close() {
	if a.interceptor != nil {
		a.interceptor.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// buildAssistant wires every subsystem from the loaded config.
func buildAssistant(ctx context.Context) (*assistant, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	a := &assistant{}

	tracker, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open usage tracker: %w", err)
	}
	a.closers = append(a.closers, tracker.Close)
	usage.SetDefault(tracker)

	client := llm.NewClient(cfg.LLM.DefaultModel, llm.WithUsageRecorder(tracker))

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:    cfg.Embedding.Provider,
		Dimensions:  cfg.Embedding.Dimensions,
		GenAIAPIKey: cfg.Embedding.GenAIAPIKey,
		GenAIModel:  cfg.Embedding.GenAIModel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding engine: %w", err)
	}

	store, err := memory.Open(cfg.MemoryDBPath(), engine)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	projects, err := project.Open(filepath.Join(cfg.DataDir, "projects.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open project manager: %w", err)
	}
	a.closers = append(a.closers, projects.Close)

	messageBus, err := bus.Open(cfg.BusDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open message bus: %w", err)
	}
	a.closers = append(a.closers, messageBus.Close)
	a.bus = messageBus

	budget := guardian.NewBudgetTracker(int(cfg.Guardian.DailyTokenBudget))
	interceptor, err := guardian.NewInterceptor(messageBus, budget,
		guardian.WithReviewer(guardian.NewLLMReviewer(client, cfg.LLM.DefaultModel)))
	if err != nil {
		return nil, fmt.Errorf("failed to create guardian: %w", err)
	}
	interceptor.Start(ctx)
	a.interceptor = interceptor

	binary := cfg.Session.SpawnBinary
	if binary == "" {
		// Self-spawn: workers are this binary's "sessions spawn" subcommand.
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker binary: %w", err)
		}
		binary = exe
	}
	spawner, err := session.NewSpawner(binary, cfg.Session.PromptsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create session spawner: %w", err)
	}

	b, err := brain.New(brain.Options{
		LLM:           client,
		Runner:        spawner,
		Memory:        store,
		Projects:      projects,
		Tracker:       tracker,
		Committer:     gitops.NewCommitter(cfg.WorkspaceDir),
		Bus:           messageBus,
		DefaultModel:  cfg.LLM.DefaultModel,
		ContextTokens: cfg.LLM.ContextCeilingTokens,
		Agents:        cfg.Agents,
	})
	if err != nil {
		return nil, err
	}
	a.brain = b

	zlog().Info("assistant wired",
		zap.String("memory_db", cfg.MemoryDBPath()),
		zap.String("bus_db", cfg.BusDBPath()),
		zap.String("worker_binary", binary))
	return a, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	a, err := buildAssistant(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	fmt.Printf("%s ready. Type a message, or \"exit\" to leave.\n\n", cfg.Name)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			break
		}

		reply := a.brain.Handle(ctx, text)
		fmt.Printf("\n%s\n\n", reply.Response)
		if reply.Error != "" && verbose {
			fmt.Fprintf(os.Stderr, "(error: %s)\n", reply.Error)
		}

		if ctx.Err() != nil {
			break
		}
	}
	fmt.Println("bye.")
	return scanner.Err()
}

func runSingle(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildAssistant(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	reply := a.brain.Handle(ctx, strings.Join(args, " "))
	zlog().Info("message handled",
		zap.String("intent", string(reply.Intent)),
		zap.Bool("delegated", reply.Delegated))
	fmt.Println(reply.Response)
	if reply.Error != "" {
		zlog().Error("reply carried an error", zap.String("error", reply.Error))
		return fmt.Errorf("handled with error: %s", reply.Error)
	}
	return nil
}
