package capture

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/hostexec"
	"Go2NetLabel/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// writeTool writes an executable fake capture tool. It receives the same
// argv as tcpdump: -i <iface> -w <file> -U.
func writeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakecap")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}

func newSession(t *testing.T, tool string) (*Session, *metrics.Metrics) {
	m := metrics.New()
	cfg := config.CaptureConfig{
		Tool:             tool,
		NetworkInterface: "any",
		HostInterface:    "{host}-eth0",
		StartupProbe:     100 * time.Millisecond,
	}
	return NewSession(hostexec.NewRunner(nil), cfg, zaptest.NewLogger(t), m), m
}

func TestSession_Argv(t *testing.T) {
	s := NewSession(hostexec.NewRunner(nil), config.CaptureConfig{
		Tool:             "tcpdump",
		NetworkInterface: "any",
		HostInterface:    "{host}-eth0",
		Snaplen:          96,
		ExtraArgs:        []string{"-n"},
	}, zaptest.NewLogger(t), nil)

	assert.Equal(t, []string{"tcpdump", "-i", "any", "-w", "a.pcap", "-U", "-s", "96", "-n"}, s.Argv(Network, "a.pcap"))
	assert.Equal(t, []string{"tcpdump", "-i", "h2-eth0", "-w", "b.pcap", "-U", "-s", "96", "-n"}, s.Argv(ParseScope("h2"), "b.pcap"))
}

func TestParseScope(t *testing.T) {
	assert.Equal(t, Network, ParseScope("network"))
	assert.Equal(t, Network, ParseScope(""))
	assert.Equal(t, "h1", ParseScope("h1").String())
	assert.Equal(t, "network", Network.String())
}

func TestSession_GracefulStop(t *testing.T) {
	tool := writeTool(t, `trap 'echo stopped >> "$4"; exit 0' INT
echo started > "$4"
while :; do sleep 0.05; done`)
	s, m := newSession(t, tool)

	out := filepath.Join(t.TempDir(), "captures", "benign.pcap")
	h, err := s.Start(Network, out)
	require.NoError(t, err)
	assert.Len(t, s.Active(), 1)
	assert.Equal(t, 1.0, value(t, m.ActiveCaptures))

	require.NoError(t, s.Stop(h, 3*time.Second))
	select {
	case <-h.Done():
	default:
		t.Fatal("Stop returned before the process exited")
	}

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "started\nstopped\n", string(data))
	assert.Empty(t, s.Active())
	assert.Equal(t, 0.0, value(t, m.ActiveCaptures))
	assert.Equal(t, 0.0, value(t, m.ForcedKills))
}

func TestSession_ForcedKill(t *testing.T) {
	tool := writeTool(t, `trap '' INT
while :; do sleep 0.05; done`)
	s, m := newSession(t, tool)

	h, err := s.Start(Network, filepath.Join(t.TempDir(), "syn_flood.pcap"))
	require.NoError(t, err)

	start := time.Now()
	err = s.Stop(h, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrForcedKill)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	select {
	case <-h.Done():
	default:
		t.Fatal("Stop returned before the process exited")
	}
	assert.Equal(t, 1.0, value(t, m.ForcedKills))
}

func TestSession_StartFailure(t *testing.T) {
	s, _ := newSession(t, writeTool(t, "exit 1"))
	_, err := s.Start(Network, filepath.Join(t.TempDir(), "x.pcap"))
	assert.Error(t, err)
	assert.Empty(t, s.Active())

	missing, _ := newSession(t, filepath.Join(t.TempDir(), "no-such-tool"))
	_, err = missing.Start(Network, filepath.Join(t.TempDir(), "y.pcap"))
	assert.Error(t, err)
}

func TestSession_StopAfterExit(t *testing.T) {
	s, _ := newSession(t, writeTool(t, "sleep 0.3"))
	h, err := s.Start(Network, filepath.Join(t.TempDir(), "short.pcap"))
	require.NoError(t, err)
	<-h.Done()
	assert.NoError(t, s.Stop(h, time.Second))
}

func TestSession_StopAll(t *testing.T) {
	tool := writeTool(t, `trap 'exit 0' INT
while :; do sleep 0.05; done`)
	s, _ := newSession(t, tool)
	dir := t.TempDir()

	h1, err := s.Start(Network, filepath.Join(dir, "a.pcap"))
	require.NoError(t, err)
	h2, err := s.Start(ParseScope("h1"), filepath.Join(dir, "a_h1.pcap"))
	require.NoError(t, err)

	s.StopAll(2 * time.Second)
	assert.Empty(t, s.Active())
	<-h1.Done()
	<-h2.Done()
}
