package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"slices"
	"time"

	"Go2NetLabel/internal/alignment"
	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/logging"
	"Go2NetLabel/internal/sink"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	chRun := flag.String("ch-run", "", "Also audit the flow samples of this run id stored in ClickHouse")
	chPackets := flag.Bool("ch-packets", false, "Also audit the ClickHouse labeled packets inside the window of the other datasets")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] flow_samples.csv labeled_packets.csv [more.csv ...]\n", os.Args[0])
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

	datasets, err := alignment.LoadCSVs(flag.Args()...)
	if err != nil {
		logger.Fatal("Failed to load dataset", zap.Error(err))
	}
	for _, ds := range datasets {
		logger.Info("Dataset loaded", zap.String("name", ds.Name), zap.Int("points", len(ds.Points)))
	}

	if *chRun != "" || *chPackets {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		datasets = append(datasets, fromClickHouse(ctx, cfg.ClickHouse, *chRun, *chPackets, datasets, logger)...)
	}

	if len(datasets) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	report, err := alignment.New(cfg.Alignment).Audit(datasets...)
	if err != nil {
		logger.Fatal("Audit failed", zap.Error(err))
	}
	if err := report.Render(os.Stdout); err != nil {
		logger.Fatal("Failed to render report", zap.Error(err))
	}
	if !report.Acceptable() {
		os.Exit(1)
	}
}

func fromClickHouse(ctx context.Context, cfg config.ClickHouseConfig, runID string, packets bool, loaded []alignment.Dataset, logger *zap.Logger) []alignment.Dataset {
	q, err := sink.NewQuerier(ctx, cfg)
	if err != nil {
		logger.Fatal("ClickHouse unavailable", zap.Error(err))
	}
	defer q.Close()

	var out []alignment.Dataset
	if runID != "" {
		ds, err := q.FlowDataset(ctx, runID)
		if err != nil {
			logger.Fatal("Failed to load flow samples", zap.String("run_id", runID), zap.Error(err))
		}
		out = append(out, ds)
	}
	if packets {
		from, to, ok := span(slices.Concat(loaded, out))
		if !ok {
			logger.Fatal("-ch-packets needs at least one other dataset to bound the query")
		}
		ds, err := q.PacketDataset(ctx, from, to)
		if err != nil {
			logger.Fatal("Failed to load labeled packets", zap.Error(err))
		}
		out = append(out, ds)
	}
	for _, ds := range out {
		logger.Info("Dataset loaded", zap.String("name", ds.Name), zap.Int("points", len(ds.Points)))
	}
	return out
}

// span is the time range covered by all points of all datasets.
func span(datasets []alignment.Dataset) (from, to time.Time, ok bool) {
	for _, ds := range datasets {
		for _, p := range ds.Points {
			if !ok || p.Timestamp.Before(from) {
				from = p.Timestamp
			}
			if !ok || p.Timestamp.After(to) {
				to = p.Timestamp
			}
			ok = true
		}
	}
	return from, to, ok
}
