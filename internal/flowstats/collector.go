package flowstats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/metrics"
	"Go2NetLabel/internal/model"
	"Go2NetLabel/internal/timeline"

	"go.uber.org/zap"
)

// State is the lifecycle state of a Collector.
type State int32

const (
	Idle State = iota
	Running
	Stopped
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case TimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("collector already started")

// Collector polls a Fetcher once per tick, labels every sample against the
// shared timeline and hands the samples to its sinks.
type Collector struct {
	fetcher Fetcher
	tracker *timeline.Tracker
	sinks   []model.SampleSink
	cfg     config.FlowStatsConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	buf       []model.FlowSample
	collected atomic.Int64
	failures  atomic.Int64
}

// NewCollector creates an idle collector. m may be nil.
func NewCollector(f Fetcher, tracker *timeline.Tracker, sinks []model.SampleSink, cfg config.FlowStatsConfig, logger *zap.Logger, m *metrics.Metrics) *Collector {
	return &Collector{
		fetcher: f,
		tracker: tracker,
		sinks:   sinks,
		cfg:     cfg,
		logger:  logger.Named("collector"),
		metrics: m,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetClock replaces the clock used to close the timeline on exit.
func (c *Collector) SetClock(now func() time.Time) { c.now = now }

// State returns the current lifecycle state.
func (c *Collector) State() State { return State(c.state.Load()) }

// Collected returns how many samples have been gathered so far.
func (c *Collector) Collected() int { return int(c.collected.Load()) }

// Failures returns how many polls failed.
func (c *Collector) Failures() int { return int(c.failures.Load()) }

// Stop asks the loop to exit. It is checked at least once per tick and also
// aborts an in-flight request.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Done is closed once Run has flushed and returned.
func (c *Collector) Done() <-chan struct{} { return c.done }

func (c *Collector) backoff() time.Duration {
	return c.cfg.PollInterval * time.Duration(max(c.cfg.BackoffMultiplier, 1))
}

// Run polls until duration has elapsed, ctx is cancelled or Stop is called.
// On exit it closes any open timeline interval and flushes the remaining
// samples. The returned error only reports flush failures.
func (c *Collector) Run(ctx context.Context, duration time.Duration) error {
	if !c.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyStarted
	}
	defer close(c.done)

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	c.logger.Info("Flow stats collector started",
		zap.Duration("duration", duration),
		zap.Duration("tick", c.cfg.PollInterval))

	var wait time.Duration
	for {
		timer := time.NewTimer(wait)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return c.finish(ctx, runCtx)
		case <-timer.C:
		}

		if c.poll(runCtx) {
			wait = c.cfg.PollInterval
		} else {
			wait = c.backoff()
		}
	}
}

// poll performs one tick and reports whether it succeeded.
func (c *Collector) poll(ctx context.Context) bool {
	start := time.Now()
	samples, err := c.fetcher.Fetch(ctx)
	if c.metrics != nil {
		c.metrics.PollDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; not a controller failure.
			return true
		}
		c.failures.Add(1)
		if c.metrics != nil {
			c.metrics.FetchErrors.Inc()
		}
		c.logger.Warn("Flow stats poll failed, backing off",
			zap.Error(err),
			zap.Duration("backoff", c.backoff()))
		return false
	}

	for i := range samples {
		samples[i].SetLabel(c.tracker.LabelAt(samples[i].Timestamp))
	}
	c.buf = append(c.buf, samples...)
	c.collected.Add(int64(len(samples)))
	if c.metrics != nil {
		c.metrics.SamplesCollected.Add(float64(len(samples)))
	}

	if c.cfg.FlushEvery > 0 && len(c.buf) >= c.cfg.FlushEvery {
		if err := c.flush(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error("Failed to flush flow samples", zap.Error(err))
		}
	}
	return true
}

func (c *Collector) finish(parent, runCtx context.Context) error {
	final := Stopped
	select {
	case <-c.stop:
	default:
		if parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			final = TimedOut
		}
	}

	c.tracker.Close(c.now())
	err := c.flush(context.WithoutCancel(parent))
	c.state.Store(int32(final))

	c.logger.Info("Flow stats collector finished",
		zap.Stringer("state", final),
		zap.Int("samples", c.Collected()),
		zap.Int("failed_polls", c.Failures()))
	return err
}

// flush writes the buffered samples to every sink. A failing sink does not
// keep the others from receiving the batch.
func (c *Collector) flush(ctx context.Context) error {
	if len(c.buf) == 0 {
		return nil
	}
	var errs []error
	for _, s := range c.sinks {
		if err := s.WriteSamples(ctx, c.buf); err != nil {
			errs = append(errs, err)
		}
	}
	c.buf = nil
	return errors.Join(errs...)
}
