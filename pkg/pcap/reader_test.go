package pcap

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synFrame(t *testing.T) []byte {
	t.Helper()
	data, err := Frame{
		SrcMAC: net.HardwareAddr{0, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0, 0, 0, 0, 0, 2},
		SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2),
		Proto: layers.IPProtocolTCP, SrcPort: 1234, DstPort: 80, SYN: true,
	}.Bytes()
	require.NoError(t, err)
	return data
}

func writeFixture(t *testing.T, path string, n int, start time.Time) {
	t.Helper()
	w, err := Create(path)
	require.NoError(t, err)
	frame := synFrame(t)
	for i := 0; i < n; i++ {
		require.NoError(t, w.WritePacket(start.Add(time.Duration(i)*time.Millisecond), frame))
	}
	require.NoError(t, w.Close())
}

func TestReader_ReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syn_flood.pcap")
	start := time.Unix(1700000000, 0)
	writeFixture(t, path, 5, start)

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	recs, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 5)
	assert.False(t, r.Truncated)
	for i, rec := range recs {
		assert.True(t, rec.Timestamp.Equal(start.Add(time.Duration(i)*time.Millisecond)))
		assert.Equal(t, uint16(80), rec.DstPort)
		assert.Equal(t, "10.0.0.1", rec.SrcIP.String())
	}
}

func TestReader_PcapNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcapng")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	require.NoError(t, err)
	frame := synFrame(t)
	ts := time.Unix(1700000100, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:      ts.Add(time.Duration(i) * time.Second),
			CaptureLength:  len(frame),
			Length:         len(frame),
			InterfaceIndex: 0,
		}, frame))
	}
	require.NoError(t, w.Flush())
	require.NoError(t, f.Close())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()
	recs, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, recs[2].Timestamp.Equal(ts.Add(2*time.Second)))
}

func TestReader_TruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "killed.pcap")
	writeFixture(t, path, 4, time.Unix(1700000000, 0))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-10))

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()
	recs, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.True(t, r.Truncated)
}

func TestReader_Errors(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.pcap")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = NewReader(empty)
	assert.Error(t, err)

	junk := filepath.Join(t.TempDir(), "junk.pcap")
	require.NoError(t, os.WriteFile(junk, []byte("definitely not a capture file"), 0o644))
	_, err = NewReader(junk)
	assert.Error(t, err)
}

func TestReader_ContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.pcap")
	writeFixture(t, path, 2, time.Unix(1700000000, 0))
	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.ReadAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
