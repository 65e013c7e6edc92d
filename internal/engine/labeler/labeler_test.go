package labeler

import (
	"bytes"
	"context"
	"encoding/csv"
	"net"
	"path/filepath"
	"testing"
	"time"

	"Go2NetLabel/internal/engine/normalize"
	"Go2NetLabel/internal/model"
	"Go2NetLabel/internal/timeline"
	"Go2NetLabel/pkg/pcap"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Unix(1700000000, 0)

func writeCapture(t *testing.T, path string, stamps []time.Time) {
	t.Helper()
	frame, err := pcap.Frame{
		SrcMAC: net.HardwareAddr{0, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0, 0, 0, 0, 0, 2},
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2),
		Proto: layers.IPProtocolUDP, SrcPort: 4000, DstPort: 53,
	}.Bytes()
	require.NoError(t, err)

	w, err := pcap.Create(path)
	require.NoError(t, err)
	for _, ts := range stamps {
		require.NoError(t, w.WritePacket(ts, frame))
	}
	require.NoError(t, w.Close())
}

func series(n int, step time.Duration) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = t0.Add(time.Duration(i) * step)
	}
	return out
}

func newLabeler(t *testing.T) *Labeler {
	return New(normalize.DefaultOptions(), 2*time.Minute, zaptest.NewLogger(t), nil)
}

func TestLabelFile_PerFileTimeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syn_flood.pcap")
	writeCapture(t, path, series(10, time.Millisecond))

	res, err := newLabeler(t).LabelFile(context.Background(), Task{Path: path, Label: "syn_flood"})
	require.NoError(t, err)
	require.Len(t, res.Rows, 10)
	assert.Equal(t, map[string]int{"syn_flood": 10}, res.LabelCounts)
	assert.True(t, res.Stats.Baseline.Equal(t0))
	for _, row := range res.Rows {
		assert.Equal(t, "syn_flood", row.LabelMulti)
		assert.Equal(t, 1, row.LabelBinary)
		assert.Equal(t, "syn_flood.pcap", row.SourceFile)
		assert.Equal(t, uint16(53), row.DstPort)
	}
}

func TestLabelFile_SharedTimelineRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.pcap")
	writeCapture(t, path, series(10, time.Millisecond))

	tracker := timeline.NewTracker()
	require.NoError(t, tracker.OpenInterval(model.LabelNormal, t0))
	require.NoError(t, tracker.OpenInterval("syn_flood", t0.Add(5*time.Millisecond)))
	tracker.Close(t0.Add(8 * time.Millisecond))

	res, err := newLabeler(t).LabelFile(context.Background(), Task{Path: path, Timeline: tracker})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{model.LabelNormal: 5, "syn_flood": 3, model.LabelUnlabeled: 2}, res.LabelCounts)

	for _, row := range res.Rows {
		assert.Equal(t, tracker.LabelAt(row.Timestamp), row.LabelMulti)
		assert.Equal(t, model.BinaryLabel(row.LabelMulti), row.LabelBinary)
	}
}

func TestLabelFile_RepairsTimestampsBeforeLabeling(t *testing.T) {
	stamps := series(20, 10*time.Millisecond)
	stamps[7] = time.Unix(0, 0)
	path := filepath.Join(t.TempDir(), "udp_flood.pcap")
	writeCapture(t, path, stamps)

	res, err := newLabeler(t).LabelFile(context.Background(), Task{Path: path, Label: "udp_flood"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Corrected)
	assert.True(t, res.Rows[7].Timestamp.Equal(t0.Add(70*time.Millisecond)))
	assert.Equal(t, map[string]int{"udp_flood": 20}, res.LabelCounts)
}

func TestLabelFile_Errors(t *testing.T) {
	l := newLabeler(t)
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.pcap")
	writeCapture(t, empty, nil)
	_, err := l.LabelFile(context.Background(), Task{Path: empty, Label: "normal"})
	assert.ErrorIs(t, err, ErrEmptyCapture)

	_, err = l.LabelFile(context.Background(), Task{Path: filepath.Join(dir, "missing.pcap"), Label: "normal"})
	assert.Error(t, err)

	ok := filepath.Join(dir, "ok.pcap")
	writeCapture(t, ok, series(3, time.Millisecond))
	_, err = l.LabelFile(context.Background(), Task{Path: ok})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.LabelFile(ctx, Task{Path: ok, Label: "normal"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteCSV(t *testing.T) {
	row := model.NewLabeledRow(model.RawPacketRecord{
		Timestamp: time.Unix(1700000000, 1000),
		Length:    60,
		SrcMAC:    net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:    net.HardwareAddr{0, 0, 0, 0, 0, 2},
		SrcIP:     net.IPv4(10, 0, 0, 1),
		DstIP:     net.IPv4(10, 0, 0, 2),
		Protocol:  6,
		SrcPort:   1234,
		DstPort:   80,
		TCPFlags:  2,
		TTL:       64,
	}, "syn_flood.pcap", "syn_flood")

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []model.LabeledFeatureRow{row, model.NewLabeledRow(model.RawPacketRecord{Timestamp: time.Unix(1700000001, 0), Length: 42}, "benign.pcap", "normal")}))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Columns, rows[0])
	assert.Equal(t, []string{
		"1700000000.000001", "00:00:00:00:00:01", "00:00:00:00:00:02", "10.0.0.1", "10.0.0.2",
		"6", "1234", "80", "2", "64", "60", "syn_flood.pcap", "syn_flood", "1",
	}, rows[1])
	assert.Equal(t, []string{"1700000001.000000", "", "", "", "", "0", "0", "0", "0", "0", "42", "benign.pcap", "normal", "0"}, rows[2])
}
