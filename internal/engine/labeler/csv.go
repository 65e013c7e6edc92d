package labeler

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"Go2NetLabel/internal/model"
)

// Columns is the fixed column order of the packet-level CSV.
var Columns = []string{
	"timestamp", "src_mac", "dst_mac", "src_ip", "dst_ip", "protocol",
	"src_port", "dst_port", "tcp_flags", "ttl", "packet_length",
	"source_file", "Label_multi", "Label_binary",
}

// Record renders a row in Columns order.
func Record(r model.LabeledFeatureRow) []string {
	return []string{
		model.FormatUnix(r.Timestamp),
		macString(r.SrcMAC),
		macString(r.DstMAC),
		ipString(r.SrcIP),
		ipString(r.DstIP),
		strconv.Itoa(int(r.Protocol)),
		strconv.Itoa(int(r.SrcPort)),
		strconv.Itoa(int(r.DstPort)),
		strconv.Itoa(int(r.TCPFlags)),
		strconv.Itoa(int(r.TTL)),
		strconv.Itoa(r.Length),
		r.SourceFile,
		r.LabelMulti,
		strconv.Itoa(r.LabelBinary),
	}
}

func macString(m net.HardwareAddr) string {
	if len(m) == 0 {
		return ""
	}
	return m.String()
}

func ipString(ip net.IP) string {
	if len(ip) == 0 {
		return ""
	}
	return ip.String()
}

// WriteCSV writes the header and rows to w.
func WriteCSV(w io.Writer, rows []model.LabeledFeatureRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(Record(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSVSink streams labeled rows into one CSV file.
type CSVSink struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// NewCSVSink creates path and writes the header.
func NewCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create labeled CSV: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(Columns); err != nil {
		f.Close()
		return nil, err
	}
	return &CSVSink{f: f, w: w}, nil
}

func (s *CSVSink) WriteRows(_ context.Context, rows []model.LabeledFeatureRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		if err := s.w.Write(Record(r)); err != nil {
			return err
		}
	}
	s.w.Flush()
	return s.w.Error()
}

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
