package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mpataki/handoff/internal/a2a"
	"github.com/mpataki/handoff/internal/agentcard"
	"github.com/mpataki/handoff/internal/config"
	"github.com/mpataki/handoff/internal/logging"
	"github.com/mpataki/handoff/internal/models"
	"github.com/mpataki/handoff/internal/orchestrator"
	"github.com/mpataki/handoff/internal/routing"
	"github.com/mpataki/handoff/internal/storage"
	"github.com/mpataki/handoff/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "handoff",
		Short: "Multi-agent pipeline client",
		Long:  "Handoff drives the triage, research, review and presentation agents for one prompt and keeps a local history of runs.",
		RunE:  runTUI,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newCardsCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// env is everything a command needs, built from config.
type env struct {
	cfg    *config.Config
	logger *logging.Logger
	store  *storage.Storage
	client *a2a.Client
	orch   *orchestrator.Orchestrator
}

func setup() (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger, err := logging.NewLogger(cfg.DataDir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(cfg.DBPath())
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	client := a2a.NewClient(cfg.StageEndpoints(),
		a2a.WithRequestTimeout(cfg.Timeouts.Request()),
		a2a.WithResubscribeTimeout(cfg.Timeouts.Resubscribe()),
		a2a.WithLogger(logger),
	)

	policy := routing.NewPolicy(cfg.Routing.DefaultRoute, routing.WithLogger(logger))
	if cfg.Routing.Script != "" {
		if err := policy.LoadScript(cfg.Routing.Script); err != nil {
			store.Close()
			logger.Close()
			return nil, fmt.Errorf("failed to load route script: %w", err)
		}
	}

	orch := orchestrator.New(client, store,
		orchestrator.WithLogger(logger),
		orchestrator.WithPolicy(policy),
		orchestrator.WithStreamTimeout(cfg.Timeouts.Stream()),
		orchestrator.WithReplayDelay(cfg.Replay.StepDelay()),
	)

	return &env{cfg: cfg, logger: logger, store: store, client: client, orch: orch}, nil
}

func (e *env) Close() {
	e.store.Close()
	e.logger.Close()
}

func (e *env) loadCards(ctx context.Context) []agentcard.Profile {
	return agentcard.Fetch(ctx, e.client, models.Stages, e.logger)
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	return tui.Run(cmd.Context(), e.orch, e.loadCards)
}

func newCardsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cards",
		Short: "Show the agent card of every stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			for _, p := range e.loadCards(cmd.Context()) {
				fmt.Printf("%s (%s)\n", p.Name(), p.Stage)
				fmt.Printf("  %s\n", p.Info.Role)
				fmt.Printf("  %s\n", p.Description())
				if p.Fallback() {
					fmt.Printf("  [built-in: %v]\n", p.Err)
					continue
				}
				fmt.Printf("  endpoint: %s\n", e.client.Endpoint(p.Stage))
				for _, skill := range p.Card.Skills {
					fmt.Printf("  - %s\n", skill.Name)
				}
			}
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
