package batch

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/engine/labeler"
	"Go2NetLabel/internal/engine/normalize"
	"Go2NetLabel/internal/metrics"
	"Go2NetLabel/internal/model"
	"Go2NetLabel/pkg/pcap"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeCapture(t *testing.T, path string, n int) {
	t.Helper()
	frame, err := pcap.Frame{
		SrcMAC: net.HardwareAddr{0, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0, 0, 0, 0, 0, 2},
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2),
		Proto: layers.IPProtocolICMPv4,
	}.Bytes()
	require.NoError(t, err)
	w, err := pcap.Create(path)
	require.NoError(t, err)
	start := time.Unix(1700000000, 0)
	for i := 0; i < n; i++ {
		require.NoError(t, w.WritePacket(start.Add(time.Duration(i)*time.Millisecond), frame))
	}
	require.NoError(t, w.Close())
}

type rowCounter struct {
	mu   sync.Mutex
	rows int
}

func (c *rowCounter) WriteRows(_ context.Context, rows []model.LabeledFeatureRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows += len(rows)
	return nil
}

func (c *rowCounter) Close() error { return nil }

func TestRunner_IsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	writeCapture(t, filepath.Join(dir, "benign.pcap"), 4)
	writeCapture(t, filepath.Join(dir, "syn_flood.pcap"), 5)
	writeCapture(t, filepath.Join(dir, "udp_flood.pcap"), 6)
	writeCapture(t, filepath.Join(dir, "empty.pcap"), 0)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.pcap"), []byte("not a pcap at all"), 0o644))

	tasks := []labeler.Task{
		{Path: filepath.Join(dir, "benign.pcap"), Label: "normal"},
		{Path: filepath.Join(dir, "syn_flood.pcap"), Label: "syn_flood"},
		{Path: filepath.Join(dir, "missing.pcap"), Label: "icmp_flood"},
		{Path: filepath.Join(dir, "udp_flood.pcap"), Label: "udp_flood"},
		{Path: filepath.Join(dir, "empty.pcap"), Label: "normal"},
		{Path: filepath.Join(dir, "garbage.pcap"), Label: "normal"},
	}

	m := metrics.New()
	sink := &rowCounter{}
	l := labeler.New(normalize.DefaultOptions(), time.Minute, zaptest.NewLogger(t), m)
	r := NewRunner(l, config.LabelingConfig{Workers: 3}, []model.RowSink{sink}, zaptest.NewLogger(t), m)

	res := r.Run(context.Background(), tasks)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 3, res.Skipped)
	assert.Len(t, res.Rows, 15)
	assert.Len(t, res.Files, 3)
	assert.Equal(t, 15, sink.rows)

	failed := map[string]error{}
	for _, f := range res.Failures {
		failed[filepath.Base(f.Path)] = f.Err
	}
	assert.Contains(t, failed, "missing.pcap")
	assert.Contains(t, failed, "garbage.pcap")
	assert.ErrorIs(t, failed["empty.pcap"], labeler.ErrEmptyCapture)

	counts := map[string]int{}
	for _, row := range res.Rows {
		counts[row.LabelMulti]++
	}
	assert.Equal(t, map[string]int{"normal": 4, "syn_flood": 5, "udp_flood": 6}, counts)
}

type failingSink struct{ calls atomic.Int32 }

func (f *failingSink) WriteRows(context.Context, []model.LabeledFeatureRow) error {
	f.calls.Add(1)
	return errors.New("clickhouse: connection refused")
}

func (f *failingSink) Close() error { return nil }

func TestRunner_SecondarySinkFailureKeepsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syn_flood.pcap")
	writeCapture(t, path, 10)

	primary, secondary := &rowCounter{}, &failingSink{}
	l := labeler.New(normalize.DefaultOptions(), time.Minute, zaptest.NewLogger(t), nil)
	r := NewRunner(l, config.LabelingConfig{Workers: 1}, []model.RowSink{primary, secondary}, zaptest.NewLogger(t), nil)

	res := r.Run(context.Background(), []labeler.Task{{Path: path, Label: "syn_flood"}})
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, res.Skipped)
	assert.Len(t, res.Rows, 10)
	assert.Equal(t, 10, primary.rows)
	assert.Equal(t, int32(1), secondary.calls.Load())
	require.Len(t, res.SinkFailures, 1)
	assert.Equal(t, path, res.SinkFailures[0].Path)
	require.Len(t, res.Files, 1)
	assert.Error(t, res.Files[0].SinkErr)
}

func TestRunner_PrimarySinkFailureSkipsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "benign.pcap")
	writeCapture(t, path, 3)

	primary, secondary := &failingSink{}, &rowCounter{}
	l := labeler.New(normalize.DefaultOptions(), time.Minute, zaptest.NewLogger(t), nil)
	r := NewRunner(l, config.LabelingConfig{Workers: 1}, []model.RowSink{primary, secondary}, zaptest.NewLogger(t), nil)

	res := r.Run(context.Background(), []labeler.Task{{Path: path, Label: "normal"}})
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Rows)
	assert.Zero(t, secondary.rows)
	assert.Empty(t, res.SinkFailures)
}

// fakeLabeler blocks per task and tracks peak concurrency.
type fakeLabeler struct {
	active atomic.Int32
	peak   atomic.Int32
	hold   time.Duration
}

func (f *fakeLabeler) LabelFile(ctx context.Context, task labeler.Task) (*labeler.FileResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	switch task.Label {
	case "hang":
		<-ctx.Done()
		return nil, ctx.Err()
	case "panic":
		panic("corrupt decoder state")
	case "fail":
		return nil, errors.New("decode error")
	}
	time.Sleep(f.hold)
	row := model.NewLabeledRow(model.RawPacketRecord{Timestamp: time.Now()}, task.Path, task.Label)
	return &labeler.FileResult{Path: task.Path, Rows: []model.LabeledFeatureRow{row}, LabelCounts: map[string]int{task.Label: 1}}, nil
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	f := &fakeLabeler{hold: 20 * time.Millisecond}
	r := NewRunner(f, config.LabelingConfig{Workers: 2}, nil, zaptest.NewLogger(t), nil)

	tasks := make([]labeler.Task, 10)
	for i := range tasks {
		tasks[i] = labeler.Task{Path: filepath.Join("caps", string(rune('a'+i))+".pcap"), Label: "normal"}
	}
	res := r.Run(context.Background(), tasks)
	assert.Equal(t, 10, res.Succeeded)
	assert.Len(t, res.Rows, 10)
	assert.LessOrEqual(t, f.peak.Load(), int32(2))
}

func TestRunner_PerTaskTimeoutAndPanics(t *testing.T) {
	f := &fakeLabeler{}
	r := NewRunner(f, config.LabelingConfig{Workers: 4, TaskTimeout: 50 * time.Millisecond}, nil, zaptest.NewLogger(t), nil)

	start := time.Now()
	res := r.Run(context.Background(), []labeler.Task{
		{Path: "a.pcap", Label: "normal"},
		{Path: "b.pcap", Label: "hang"},
		{Path: "c.pcap", Label: "panic"},
		{Path: "d.pcap", Label: "fail"},
	})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 3, res.Skipped)

	byPath := map[string]error{}
	for _, fl := range res.Failures {
		byPath[fl.Path] = fl.Err
	}
	assert.ErrorIs(t, byPath["b.pcap"], context.DeadlineExceeded)
	assert.ErrorContains(t, byPath["c.pcap"], "panicked")
	assert.ErrorContains(t, byPath["d.pcap"], "decode error")
}

func TestRunner_NoTasks(t *testing.T) {
	r := NewRunner(&fakeLabeler{}, config.LabelingConfig{Workers: 4}, nil, zaptest.NewLogger(t), nil)
	res := r.Run(context.Background(), nil)
	assert.Zero(t, res.Succeeded)
	assert.Zero(t, res.Skipped)
	assert.Empty(t, res.Rows)
}
