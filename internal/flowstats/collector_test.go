package flowstats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/metrics"
	"Go2NetLabel/internal/model"
	"Go2NetLabel/internal/timeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// stubFetcher returns one sample per call stamped with the wall clock, or
// an error while failing is set.
type stubFetcher struct {
	calls   atomic.Int32
	failing atomic.Bool
}

func (f *stubFetcher) Fetch(ctx context.Context) ([]model.FlowSample, error) {
	f.calls.Add(1)
	if f.failing.Load() {
		return nil, errors.New("connection refused")
	}
	s := model.FlowSample{Timestamp: time.Now(), SwitchID: 1, PacketCount: 2, ByteCount: 200, DurationSec: 1}
	s.DeriveRates()
	return []model.FlowSample{s}, nil
}

type memorySink struct {
	mu      sync.Mutex
	batches int
	samples []model.FlowSample
}

func (m *memorySink) WriteSamples(_ context.Context, s []model.FlowSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	m.samples = append(m.samples, s...)
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) all() []model.FlowSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.FlowSample(nil), m.samples...)
}

func collectorConfig() config.FlowStatsConfig {
	return config.FlowStatsConfig{PollInterval: 10 * time.Millisecond, BackoffMultiplier: 5}
}

func TestCollector_TimesOutAndLabelsEverySample(t *testing.T) {
	tracker := timeline.NewTracker()
	require.NoError(t, tracker.OpenInterval("syn_flood", time.Now().Add(-time.Minute)))

	f := &stubFetcher{}
	sink := &memorySink{}
	c := NewCollector(f, tracker, []model.SampleSink{sink}, collectorConfig(), zaptest.NewLogger(t), metrics.New())
	assert.Equal(t, Idle, c.State())

	require.NoError(t, c.Run(context.Background(), 150*time.Millisecond))
	assert.Equal(t, TimedOut, c.State())

	got := sink.all()
	require.NotEmpty(t, got)
	assert.Equal(t, c.Collected(), len(got))
	for _, s := range got {
		assert.Equal(t, "syn_flood", s.LabelMulti)
		assert.Equal(t, 1, s.LabelBinary)
	}

	// The open interval is closed on exit.
	_, open := tracker.Current()
	assert.False(t, open)
}

func TestCollector_StopSignal(t *testing.T) {
	tracker := timeline.NewTracker()
	require.NoError(t, tracker.OpenInterval(model.LabelNormal, time.Now()))
	sink := &memorySink{}
	c := NewCollector(&stubFetcher{}, tracker, []model.SampleSink{sink}, collectorConfig(), zaptest.NewLogger(t), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background(), time.Hour) }()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, Running, c.State())
	c.Stop()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not honor the stop signal")
	}
	<-c.Done()
	assert.Equal(t, Stopped, c.State())
	for _, s := range sink.all() {
		assert.Equal(t, model.LabelNormal, s.LabelMulti)
		assert.Equal(t, 0, s.LabelBinary)
	}
}

func TestCollector_ContextCancelStops(t *testing.T) {
	c := NewCollector(&stubFetcher{}, timeline.NewTracker(), nil, collectorConfig(), zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, c.Run(ctx, time.Hour))
	assert.Equal(t, Stopped, c.State())
	assert.ErrorIs(t, c.Run(context.Background(), time.Second), ErrAlreadyStarted)
}

func TestCollector_BacksOffOnFailure(t *testing.T) {
	f := &stubFetcher{}
	f.failing.Store(true)
	m := metrics.New()
	c := NewCollector(f, timeline.NewTracker(), nil, collectorConfig(), zaptest.NewLogger(t), m)

	require.NoError(t, c.Run(context.Background(), 240*time.Millisecond))

	// Each failure waits 5 ticks (50ms): about 5 polls instead of about 24.
	calls := int(f.calls.Load())
	assert.GreaterOrEqual(t, calls, 2)
	assert.LessOrEqual(t, calls, 7)
	assert.Equal(t, calls, c.Failures())
	assert.Equal(t, TimedOut, c.State())
}

func TestCollector_RecoversAfterFailures(t *testing.T) {
	f := &stubFetcher{}
	f.failing.Store(true)
	sink := &memorySink{}
	c := NewCollector(f, timeline.NewTracker(), []model.SampleSink{sink}, collectorConfig(), zaptest.NewLogger(t), nil)

	go func() {
		time.Sleep(80 * time.Millisecond)
		f.failing.Store(false)
	}()
	require.NoError(t, c.Run(context.Background(), 300*time.Millisecond))
	assert.Greater(t, c.Failures(), 0)
	assert.NotEmpty(t, sink.all())
	for _, s := range sink.all() {
		assert.Equal(t, model.LabelUnlabeled, s.LabelMulti)
		assert.Equal(t, 1, s.LabelBinary)
	}
}

func TestCollector_FlushesWhenBufferFills(t *testing.T) {
	cfg := collectorConfig()
	cfg.FlushEvery = 2
	sink := &memorySink{}
	c := NewCollector(&stubFetcher{}, timeline.NewTracker(), []model.SampleSink{sink}, cfg, zaptest.NewLogger(t), nil)

	require.NoError(t, c.Run(context.Background(), 100*time.Millisecond))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Greater(t, sink.batches, 1)
	assert.Equal(t, c.Collected(), len(sink.samples))
}
