// foundryd runs the agent pool coordinator: the dispatch loop, one worker
// per seeded agent, the war-room mediator, and the monitoring API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeworks/foundry/internal/api"
	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/dispatch"
	"github.com/forgeworks/foundry/internal/ledger"
	"github.com/forgeworks/foundry/internal/llm"
	"github.com/forgeworks/foundry/internal/logging"
	"github.com/forgeworks/foundry/internal/mediator"
	"github.com/forgeworks/foundry/internal/model"
	"github.com/forgeworks/foundry/internal/notify"
	"github.com/forgeworks/foundry/internal/observability"
	"github.com/forgeworks/foundry/internal/sandbox"
	"github.com/forgeworks/foundry/internal/store"
	"github.com/forgeworks/foundry/internal/verify"
)

const version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var (
		showVersion bool
		configPath  string
	)
	flags := flag.NewFlagSet("foundryd", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	flags.StringVar(&configPath, "config", "foundry.toml", "path to the TOML config file")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if showVersion {
		fmt.Fprintf(stdout, "foundryd %s\n", version)
		return 0
	}

	logger := logging.Init("foundryd")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("load config")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("daemon failed")
		return 1
	}
	logger.Info().Msg("shutdown complete")
	return 0
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	observability.RegisterMetrics()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := notify.NewBus(logger)
	defer bus.Close()

	client := llm.New(cfg.LLM)
	runner := sandbox.NewProcessRunner(cfg.Sandbox, logger)

	verifier, err := verify.New(cfg.Verify, runner, client, logger)
	if err != nil {
		return fmt.Errorf("build verifier: %w", err)
	}
	lg := ledger.New(cfg.Ledger, st, verifier, logger)

	agents, err := seedAgents(ctx, st, cfg.Agents, logger)
	if err != nil {
		return fmt.Errorf("seed agents: %w", err)
	}
	if len(agents) == 0 {
		logger.Warn().Msg("no agents configured; tasks will queue until the pool is seeded")
	}

	d := dispatch.New(cfg.Dispatch, st, bus, logger)
	med := mediator.New(cfg.Mediator, st, client, runner, bus, logger)
	server := api.NewServer(cfg.API, st, lg, logger)

	var wg sync.WaitGroup
	notifications, unsubscribe := bus.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsubscribe()
		sinkNotifications(ctx, notifications, logger)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		med.Run(ctx)
	}()
	for _, agent := range agents {
		worker := dispatch.NewWorker(agent, st, client, lg, bus, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx, cfg.Dispatch.Interval())
		}()
	}

	logger.Info().
		Int("agents", len(agents)).
		Str("db", cfg.Store.Path).
		Msg("foundry started")

	if err := server.Run(ctx); err != nil {
		return err
	}
	waitWithTimeout(&wg, 10*time.Second, logger)
	return nil
}

// seedAgents provisions the configured pool, reusing agents that already
// exist by name so restarts do not duplicate the pool.
func seedAgents(ctx context.Context, st *store.Store, seeds []config.AgentSeed, logger zerolog.Logger) ([]model.Agent, error) {
	existing, err := st.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]model.Agent, len(existing))
	for _, agent := range existing {
		byName[agent.Name] = agent
	}

	out := make([]model.Agent, 0, len(seeds))
	for _, seed := range seeds {
		if agent, ok := byName[seed.Name]; ok {
			out = append(out, agent)
			continue
		}
		agent, err := st.CreateAgent(ctx, model.Agent{
			Name: seed.Name,
			Role: model.Role(seed.Role),
		})
		if err != nil {
			return nil, fmt.Errorf("seed agent %s: %w", seed.Name, err)
		}
		logger.Info().Str("name", agent.Name).Str("role", seed.Role).Msg("agent provisioned")
		out = append(out, agent)
	}
	return out, nil
}

// sinkNotifications drains state-change notifications into the log so an
// operator tailing foundryd sees every transition without polling the API.
func sinkNotifications(ctx context.Context, ch <-chan model.Notification, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			logger.Info().
				Str("entity_type", n.EntityType).
				Str("entity_id", n.EntityID).
				Str("new_state", n.NewState).
				Msg("state change")
		}
	}
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration, logger zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn().Msg("loops did not drain before timeout")
	}
}
