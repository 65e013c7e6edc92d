package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/engine/batch"
	"Go2NetLabel/internal/engine/labeler"
	"Go2NetLabel/internal/engine/normalize"
	"Go2NetLabel/internal/logging"
	"Go2NetLabel/internal/metrics"
	"Go2NetLabel/internal/model"
	"Go2NetLabel/internal/sink"
	"Go2NetLabel/internal/store"
	"Go2NetLabel/internal/timeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	manifest := flag.String("manifest", "", "CSV manifest of path,label lines")
	dir := flag.String("dir", "", "Directory of <phase>.pcap captures, labeled through the configured phases")
	label := flag.String("label", "", "Label for the capture files given as arguments")
	timelinePath := flag.String("timeline", "", "Shared timeline.yaml; when set every file is labeled against it")
	output := flag.String("o", "labeled_packets.csv", "Output CSV path")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [-label L file.pcap ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// 1. Build the task list
	tasks, err := buildTasks(cfg, *manifest, *dir, *label, flag.Args())
	if err != nil {
		logger.Fatal("Failed to build task list", zap.Error(err))
	}
	if len(tasks) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *timelinePath != "" {
		tracker, err := timeline.Load(*timelinePath)
		if err != nil {
			logger.Fatal("Failed to load timeline", zap.Error(err))
		}
		for i := range tasks {
			tasks[i].Timeline = tracker
		}
		logger.Info("Labeling against shared timeline", zap.String("file", *timelinePath), zap.Int("intervals", tracker.Len()))
	}

	// 2. Wire the pipeline
	m := metrics.New()
	csvSink, err := labeler.NewCSVSink(*output)
	if err != nil {
		logger.Fatal("Failed to create output", zap.Error(err))
	}
	sinks := []model.RowSink{csvSink}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ClickHouse.Enabled {
		ch, err := sink.NewClickHouseWriter(ctx, cfg.ClickHouse, "", logger)
		if err != nil {
			logger.Error("ClickHouse sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, ch)
		}
	}

	l := labeler.New(normalize.OptionsFrom(cfg.Labeling.Normalizer), cfg.Labeling.TailWindow, logger, m)
	runner := batch.NewRunner(l, cfg.Labeling, sinks, logger, m)

	// 3. Run the batch
	start := time.Now()
	res := runner.Run(ctx, tasks)
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.Error("Failed to close sink", zap.Error(err))
		}
	}

	if cfg.Store.Enabled {
		recordBatch(ctx, cfg.Store.Path, start, res, logger)
	}

	fmt.Printf("Labeled %d rows from %d files (%d skipped) in %s -> %s\n",
		len(res.Rows), res.Succeeded, res.Skipped, time.Since(start).Round(time.Millisecond), *output)
	for _, f := range res.Files {
		fmt.Printf("  %-40s %-12s rows=%-8d corrected=%d (%.1f%%)\n", f.Path, f.Label, f.Rows, f.Stats.Corrected, 100*f.Stats.CorruptionRate)
	}
	for _, f := range res.Failures {
		fmt.Printf("  %-40s %-12s skipped: %v\n", f.Path, f.Label, f.Err)
	}
	for _, f := range res.SinkFailures {
		fmt.Printf("  %-40s %-12s secondary sink: %v\n", f.Path, f.Label, f.Err)
	}
	if res.Succeeded == 0 {
		os.Exit(1)
	}
}

func buildTasks(cfg *config.Config, manifest, dir, label string, files []string) ([]labeler.Task, error) {
	var tasks []labeler.Task
	if manifest != "" {
		t, err := batch.FromManifest(manifest)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t...)
	}
	if dir != "" {
		labels := make(map[string]string, len(cfg.Scenario.Phases))
		for _, p := range cfg.Scenario.Phases {
			labels[p.Name] = p.Label
		}
		t, err := batch.FromDir(dir, labels)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t...)
	}
	if len(files) > 0 {
		if label == "" {
			return nil, fmt.Errorf("-label is required for capture files given as arguments")
		}
		for _, f := range files {
			tasks = append(tasks, labeler.Task{Path: f, Label: label})
		}
	}
	return tasks, nil
}

func recordBatch(ctx context.Context, path string, at time.Time, res *batch.Result, logger *zap.Logger) {
	ledger, err := store.Open(path)
	if err != nil {
		logger.Error("Run ledger disabled", zap.Error(err))
		return
	}
	defer ledger.Close()

	files := make([]store.BatchFile, 0, len(res.Files)+len(res.Failures))
	for _, f := range res.Files {
		bf := store.BatchFile{Path: f.Path, Label: f.Label, Status: "succeeded", Rows: f.Rows, Corrected: f.Stats.Corrected}
		if f.SinkErr != nil {
			bf.Error = f.SinkErr.Error()
		}
		files = append(files, bf)
	}
	for _, f := range res.Failures {
		files = append(files, store.BatchFile{Path: f.Path, Label: f.Label, Status: "skipped", Error: f.Err.Error()})
	}
	batchID := uuid.NewString()
	if err := ledger.RecordBatch(context.WithoutCancel(ctx), batchID, at, files); err != nil {
		logger.Error("Failed to record batch", zap.Error(err))
		return
	}
	logger.Info("Batch recorded", zap.String("batch_id", batchID), zap.Int("files", len(files)))
}
