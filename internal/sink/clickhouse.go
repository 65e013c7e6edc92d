// Package sink ships flow samples, labeled rows and phase events to external
// systems.
package sink

import (
	"context"
	"fmt"
	"net"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const createFlowSamples = `
CREATE TABLE IF NOT EXISTS flow_samples (
    Timestamp    DateTime64(6),
    RunID        String,
    SwitchID     UInt64,
    TableID      UInt32,
    Cookie       UInt64,
    Priority     UInt32,
    InPort       String,
    EthSrc       String,
    EthDst       String,
    OutPort      String,
    PacketCount  UInt64,
    ByteCount    UInt64,
    DurationSec  UInt64,
    DurationNsec UInt64,
    AvgPktSize   Float64,
    PktRate      Float64,
    ByteRate     Float64,
    LabelMulti   LowCardinality(String),
    LabelBinary  UInt8
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (RunID, Timestamp);
`

const createLabeledPackets = `
CREATE TABLE IF NOT EXISTS labeled_packets (
    Timestamp    DateTime64(6),
    SrcMAC       String,
    DstMAC       String,
    SrcIP        Nullable(String),
    DstIP        Nullable(String),
    Protocol     UInt8,
    SrcPort      UInt16,
    DstPort      UInt16,
    TCPFlags     UInt8,
    TTL          UInt8,
    PacketLength UInt32,
    SourceFile   String,
    LabelMulti   LowCardinality(String),
    LabelBinary  UInt8
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (SourceFile, Timestamp);
`

var (
	_ model.SampleSink = (*ClickHouseWriter)(nil)
	_ model.RowSink    = (*ClickHouseWriter)(nil)
)

// ClickHouseWriter stores flow samples and labeled rows. It implements both
// model.SampleSink and model.RowSink.
type ClickHouseWriter struct {
	conn   driver.Conn
	runID  string
	logger *zap.Logger
}

// NewClickHouseWriter connects and makes sure both tables exist. runID tags
// flow samples; it may be empty for offline labeling.
func NewClickHouseWriter(ctx context.Context, cfg config.ClickHouseConfig, runID string, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	for _, stmt := range []string{createFlowSamples, createLabeledPackets} {
		if err := conn.Exec(ctx, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	logger = logger.Named("clickhouse")
	logger.Info("Connected to ClickHouse", zap.String("host", cfg.Host), zap.String("database", cfg.Database))
	return &ClickHouseWriter{conn: conn, runID: runID, logger: logger}, nil
}

func connect(ctx context.Context, cfg config.ClickHouseConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// WriteSamples inserts one batch into flow_samples.
func (w *ClickHouseWriter) WriteSamples(ctx context.Context, samples []model.FlowSample) error {
	if len(samples) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO flow_samples")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, s := range samples {
		if err := batch.Append(sampleValues(w.runID, s)...); err != nil {
			return fmt.Errorf("failed to append flow sample: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	w.logger.Debug("Wrote flow samples", zap.Int("count", len(samples)))
	return nil
}

// WriteRows inserts one batch into labeled_packets.
func (w *ClickHouseWriter) WriteRows(ctx context.Context, rows []model.LabeledFeatureRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO labeled_packets")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(rowValues(r)...); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	w.logger.Debug("Wrote labeled rows", zap.Int("count", len(rows)))
	return nil
}

func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// sampleValues lists a sample in flow_samples column order.
func sampleValues(runID string, s model.FlowSample) []any {
	return []any{
		s.Timestamp,
		runID,
		s.SwitchID,
		s.TableID,
		s.Cookie,
		s.Priority,
		s.InPort,
		s.EthSrc,
		s.EthDst,
		s.OutPort,
		s.PacketCount,
		s.ByteCount,
		s.DurationSec,
		s.DurationNsec,
		s.AvgPktSize,
		s.PktRate,
		s.ByteRate,
		s.LabelMulti,
		uint8(s.LabelBinary),
	}
}

// rowValues lists a row in labeled_packets column order.
func rowValues(r model.LabeledFeatureRow) []any {
	return []any{
		r.Timestamp,
		r.SrcMAC.String(),
		r.DstMAC.String(),
		nullableIP(r.SrcIP),
		nullableIP(r.DstIP),
		r.Protocol,
		r.SrcPort,
		r.DstPort,
		r.TCPFlags,
		r.TTL,
		uint32(r.Length),
		r.SourceFile,
		r.LabelMulti,
		uint8(r.LabelBinary),
	}
}

func nullableIP(ip net.IP) *string {
	if len(ip) == 0 {
		return nil
	}
	s := ip.String()
	return &s
}
