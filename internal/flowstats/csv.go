package flowstats

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"Go2NetLabel/internal/model"
)

// Columns is the fixed column order of the flow-level CSV.
var Columns = []string{
	"timestamp", "switch_id", "table_id", "cookie", "priority",
	"in_port", "eth_src", "eth_dst", "out_port",
	"packet_count", "byte_count", "duration_sec", "duration_nsec",
	"avg_pkt_size", "pkt_rate", "byte_rate",
	"Label_multi", "Label_binary",
}

// Record renders a sample in Columns order.
func Record(s model.FlowSample) []string {
	return []string{
		model.FormatUnix(s.Timestamp),
		strconv.FormatUint(s.SwitchID, 10),
		strconv.FormatUint(uint64(s.TableID), 10),
		strconv.FormatUint(s.Cookie, 10),
		strconv.FormatUint(uint64(s.Priority), 10),
		s.InPort,
		s.EthSrc,
		s.EthDst,
		s.OutPort,
		strconv.FormatUint(s.PacketCount, 10),
		strconv.FormatUint(s.ByteCount, 10),
		strconv.FormatUint(s.DurationSec, 10),
		strconv.FormatUint(s.DurationNsec, 10),
		strconv.FormatFloat(s.AvgPktSize, 'f', 4, 64),
		strconv.FormatFloat(s.PktRate, 'f', 4, 64),
		strconv.FormatFloat(s.ByteRate, 'f', 4, 64),
		s.LabelMulti,
		strconv.Itoa(s.LabelBinary),
	}
}

// CSVSink appends flow samples to a CSV file. The header is written on
// creation so an empty run still produces a well-formed file.
type CSVSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
}

// NewCSVSink creates (or truncates) path and writes the header.
func NewCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow CSV: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(Columns); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, err
	}
	return &CSVSink{path: path, f: f, w: w}, nil
}

// Path returns the file being written.
func (s *CSVSink) Path() string { return s.path }

// WriteSamples appends samples and flushes them to disk.
func (s *CSVSink) WriteSamples(_ context.Context, samples []model.FlowSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range samples {
		if err := s.w.Write(Record(sample)); err != nil {
			return fmt.Errorf("failed to write flow sample: %w", err)
		}
	}
	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
