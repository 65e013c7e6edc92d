package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Go2NetLabel/internal/api"
	"Go2NetLabel/internal/capture"
	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/flowstats"
	"Go2NetLabel/internal/hostexec"
	"Go2NetLabel/internal/logging"
	"Go2NetLabel/internal/metrics"
	"Go2NetLabel/internal/scenario"
	"Go2NetLabel/internal/sink"
	"Go2NetLabel/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	preflightOnly := flag.Bool("preflight", false, "Only check that the scenario can run")
	flag.Parse()

	// 1. Load configuration and build the logger
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	code := run(cfg, logger, *preflightOnly)
	logger.Sync()
	os.Exit(code)
}

func run(cfg *config.Config, logger *zap.Logger, preflightOnly bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	m := metrics.New()
	runner := hostexec.NewRunner(cfg.Hosts.ExecPrefix)

	// 2. Wire the collaborators
	deps := scenario.Deps{
		RunID:    runID,
		Runner:   runner,
		Captures: capture.NewSession(runner, cfg.Capture, logger, m),
		Metrics:  m,
	}
	if cfg.FlowStats.Enabled {
		deps.Fetcher = flowstats.NewClient(cfg.FlowStats, logger)
	}

	if cfg.ClickHouse.Enabled && !preflightOnly {
		ch, err := sink.NewClickHouseWriter(ctx, cfg.ClickHouse, runID, logger)
		if err != nil {
			logger.Error("ClickHouse sink disabled", zap.Error(err))
		} else {
			defer ch.Close()
			deps.Sinks = append(deps.Sinks, ch)
		}
	}
	if cfg.NATS.Enabled && !preflightOnly {
		pub, err := sink.NewPublisher(cfg.NATS, logger)
		if err != nil {
			logger.Error("NATS publisher disabled", zap.Error(err))
		} else {
			defer pub.Close()
			deps.Publisher = pub
			deps.Sinks = append(deps.Sinks, pub.SampleSink())
		}
	}

	var ledger *store.Store
	if cfg.Store.Enabled && !preflightOnly {
		l, err := store.Open(cfg.Store.Path)
		if err != nil {
			logger.Error("Run ledger disabled", zap.Error(err))
		} else {
			defer l.Close()
			ledger = l
			deps.Ledger = l
		}
	}

	orch := scenario.New(cfg, deps, logger)

	if preflightOnly {
		if _, err := orch.Preflight(); err != nil {
			logger.Error("Preflight failed", zap.Error(err))
			return 2
		}
		logger.Info("Preflight passed", zap.Int("phases", len(cfg.Scenario.Phases)))
		return 0
	}

	// 3. Status API, if configured
	if cfg.API.ListenAddr != "" {
		var runs api.RunLister
		if ledger != nil {
			runs = ledger
		}
		srv := api.NewServer(cfg.API.ListenAddr, api.NewRouter(orch, runs, m.Registry(), logger), logger)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	// 4. Run the scenario
	summary, err := orch.Run(ctx)
	if errors.Is(err, scenario.ErrPreflight) {
		logger.Error("Scenario cannot start", zap.Error(err))
		return 2
	}
	if summary == nil {
		logger.Error("Scenario setup failed", zap.Error(err))
		return 1
	}

	fmt.Printf("Run %s: %s, %d phases, %d flow samples\n", summary.RunID, summary.Status, len(summary.Phases), summary.Samples)
	fmt.Printf("Outputs in %s\n", summary.OutputDir)
	for _, p := range summary.Failed() {
		fmt.Printf("  phase %s failed: %s\n", p.Name, p.Error)
	}
	return 0
}
