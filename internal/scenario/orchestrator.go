// Package scenario drives a multi-phase traffic scenario: it keeps the label
// timeline in step with the phases, brackets every phase with packet captures
// and runs one flow stats collector across the whole run.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"Go2NetLabel/internal/capture"
	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/flowstats"
	"Go2NetLabel/internal/generator"
	"Go2NetLabel/internal/hostexec"
	"Go2NetLabel/internal/metrics"
	"Go2NetLabel/internal/model"
	"Go2NetLabel/internal/store"
	"Go2NetLabel/internal/timeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Output file names inside a run directory.
const (
	CapturesDir     = "captures"
	FlowCSVFile     = "flow_samples.csv"
	TimelineFile    = "timeline.yaml"
	SummaryFile     = "run_summary.json"
	EffectiveConfig = "config.effective.yaml"
)

// PhaseError attaches the phase name to a failure inside that phase.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("phase '%s': %v", e.Phase, e.Err) }
func (e *PhaseError) Unwrap() error { return e.Err }

// Captures is the part of capture.Session the orchestrator drives.
type Captures interface {
	Start(scope capture.Scope, outputPath string) (*capture.Handle, error)
	Stop(h *capture.Handle, grace time.Duration) error
	StopAll(grace time.Duration)
}

// Ledger records finished runs.
type Ledger interface {
	RecordRun(ctx context.Context, r store.Run) error
}

// Deps are the collaborators of an Orchestrator. Only Captures is required;
// a nil Fetcher disables flow stats collection. An empty RunID is replaced by
// a fresh UUID.
type Deps struct {
	RunID      string
	Runner     *hostexec.Runner
	Captures   Captures
	Generators generator.Factory
	Fetcher    flowstats.Fetcher
	Sinks      []model.SampleSink
	Publisher  model.EventPublisher
	Ledger     Ledger
	Metrics    *metrics.Metrics
	Now        func() time.Time
	LookPath   func(file string) (string, error)
}

// Orchestrator runs the configured phase list once.
type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger

	mu     sync.RWMutex
	status Status
	run    *runState
}

// runState is everything owned by a single Run call.
type runState struct {
	id         string
	dir        string
	start      time.Time
	tracker    *timeline.Tracker
	collector  *flowstats.Collector
	csv        *flowstats.CSVSink
	collErr    chan error
	generators []generator.Generator
	phases     []PhaseResult
}

// New creates an orchestrator for cfg.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Orchestrator {
	if deps.Runner == nil {
		deps.Runner = hostexec.NewRunner(cfg.Hosts.ExecPrefix)
	}
	if deps.Generators == nil {
		deps.Generators = generator.New
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.LookPath == nil {
		deps.LookPath = exec.LookPath
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("scenario"),
		status: Status{State: StateIdle, Scenario: cfg.Scenario.Name, PhaseCount: len(cfg.Scenario.Phases)},
	}
}

// Run executes preflight, every phase and cleanup. A preflight error is
// returned before anything is started. Phase failures do not stop the run;
// they are reported in the summary and joined into the returned error.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	o.setState(StatePreflight, "")
	gens, err := o.Preflight()
	if err != nil {
		o.setState(StateFailed, "")
		return nil, err
	}

	rs, err := o.setup(ctx, gens)
	if err != nil {
		o.setState(StateFailed, "")
		return nil, err
	}

	var phaseErrs []error
	func() {
		defer func() {
			if r := recover(); r != nil {
				phaseErrs = append(phaseErrs, fmt.Errorf("scenario aborted: %v", r))
			}
		}()
		for i, p := range o.cfg.Scenario.Phases {
			if ctx.Err() != nil {
				o.logger.Warn("Run cancelled, skipping remaining phases", zap.String("next_phase", p.Name))
				break
			}
			res := o.runPhase(ctx, rs, i, p)
			if res.err != nil {
				phaseErrs = append(phaseErrs, res.err)
			}
		}
	}()

	summary := o.cleanup(ctx, rs, phaseErrs)
	return summary, errors.Join(phaseErrs...)
}

// setup creates the run directory, the timeline and starts the collector.
func (o *Orchestrator) setup(ctx context.Context, gens []generator.Generator) (*runState, error) {
	id := o.deps.RunID
	if id == "" {
		id = uuid.NewString()
	}
	dir := filepath.Join(o.cfg.Run.OutputDir, id)
	if err := os.MkdirAll(filepath.Join(dir, CapturesDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	if err := o.cfg.SaveEffective(filepath.Join(dir, EffectiveConfig)); err != nil {
		return nil, err
	}

	rs := &runState{
		id:         id,
		dir:        dir,
		start:      o.deps.Now(),
		tracker:    timeline.NewTracker(),
		generators: gens,
	}

	if o.deps.Fetcher != nil {
		csvSink, err := flowstats.NewCSVSink(filepath.Join(dir, FlowCSVFile))
		if err != nil {
			return nil, err
		}
		rs.csv = csvSink
		sinks := append([]model.SampleSink{csvSink}, o.deps.Sinks...)
		rs.collector = flowstats.NewCollector(o.deps.Fetcher, rs.tracker, sinks, o.cfg.FlowStats, o.logger, o.deps.Metrics)
		rs.collector.SetClock(o.deps.Now)
		rs.collErr = make(chan error, 1)

		budget := o.cfg.Scenario.TotalDuration() + o.cfg.Run.TimelineBuffer
		go func() { rs.collErr <- rs.collector.Run(ctx, budget) }()
	}

	o.mu.Lock()
	o.run = rs
	o.status.RunID = id
	o.status.OutputDir = dir
	o.status.Started = rs.start
	o.mu.Unlock()
	o.setState(StateRunning, "")

	o.logger.Info("Scenario started",
		zap.String("run_id", id),
		zap.String("scenario", o.cfg.Scenario.Name),
		zap.Int("phases", len(o.cfg.Scenario.Phases)),
		zap.Duration("configured", o.cfg.Scenario.TotalDuration()),
		zap.String("output", dir))
	return rs, nil
}

// runPhase executes one phase. It never panics; a panic inside the phase is
// turned into a PhaseError.
func (o *Orchestrator) runPhase(ctx context.Context, rs *runState, idx int, p config.PhaseDef) (res PhaseResult) {
	logger := o.logger.With(zap.String("phase", p.Name), zap.String("label", p.Label))
	o.setState(StateRunning, p.Name)

	res = PhaseResult{Name: p.Name, Label: p.Label, Kind: p.Kind, Configured: p.Duration}
	var errs []error
	var handles []*capture.Handle

	defer func() {
		if r := recover(); r != nil {
			errs = append(errs, fmt.Errorf("panic: %v", r))
		}
		o.stopCaptures(handles, logger)

		res.End = o.deps.Now()
		res.Elapsed = res.End.Sub(res.Start)
		if err := errors.Join(errs...); err != nil {
			res.err = &PhaseError{Phase: p.Name, Err: err}
			res.Error = err.Error()
			logger.Error("Phase failed", zap.Error(err))
			if o.deps.Metrics != nil {
				o.deps.Metrics.PhaseFailures.WithLabelValues(p.Name).Inc()
			}
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.PhaseDuration.WithLabelValues(p.Name, p.Label).Set(res.Elapsed.Seconds())
		}
		o.publish(rs, p, "end", res.End, res.Elapsed, res.Error)
		logger.Info("Phase finished",
			zap.Duration("elapsed", res.Elapsed),
			zap.Duration("configured", p.Duration))

		rs.phases = append(rs.phases, res)
		o.mu.Lock()
		o.status.Completed = append(o.status.Completed, p.Name)
		o.mu.Unlock()
	}()

	res.Start = o.deps.Now()
	o.publish(rs, p, "start", res.Start, 0, "")
	if err := rs.tracker.OpenInterval(p.Label, res.Start); err != nil {
		errs = append(errs, fmt.Errorf("failed to open timeline interval: %w", err))
		return res
	}
	logger.Info("Phase started", zap.String("kind", p.Kind), zap.Duration("duration", p.Duration))

	for _, name := range p.Capture {
		scope := capture.ParseScope(name)
		path := capturePath(rs.dir, p.Name, scope)
		h, err := o.deps.Captures.Start(scope, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		handles = append(handles, h)
		res.Captures = append(res.Captures, path)
	}

	out := rs.generators[idx].Run(ctx, p.Duration)
	res.TimedOut = out.TimedOut
	if out.Err != nil {
		errs = append(errs, fmt.Errorf("%s generator: %w", out.Kind, out.Err))
	} else if !out.TimedOut {
		logger.Info("Generator finished before its duration", zap.Duration("ran", out.Elapsed))
	}
	return res
}

// stopCaptures is the end-of-phase barrier: every capture has exited when
// it returns.
func (o *Orchestrator) stopCaptures(handles []*capture.Handle, logger *zap.Logger) {
	for _, h := range handles {
		if err := o.deps.Captures.Stop(h, o.cfg.Run.CaptureGrace); err != nil {
			logger.Warn("Capture stop", zap.Stringer("scope", h.Scope), zap.Error(err))
		}
	}
}

func (o *Orchestrator) publish(rs *runState, p config.PhaseDef, event string, at time.Time, elapsed time.Duration, errMsg string) {
	if o.deps.Publisher == nil {
		return
	}
	err := o.deps.Publisher.PublishPhase(model.PhaseEvent{
		RunID:    rs.id,
		Phase:    p.Name,
		Label:    p.Label,
		Kind:     p.Kind,
		Event:    event,
		At:       at,
		Elapsed:  elapsed,
		ErrorMsg: errMsg,
	})
	if err != nil {
		o.logger.Warn("Failed to publish phase event", zap.String("phase", p.Name), zap.String("event", event), zap.Error(err))
	}
}

// capturePath is captures/<phase>.pcap for the network scope and
// captures/<phase>_<host>.pcap for a host.
func capturePath(runDir, phase string, scope capture.Scope) string {
	name := phase + ".pcap"
	if scope.Host != "" {
		name = phase + "_" + scope.Host + ".pcap"
	}
	return filepath.Join(runDir, CapturesDir, name)
}

// cleanup always runs after the phases. Every step is attempted even when an
// earlier one fails.
func (o *Orchestrator) cleanup(ctx context.Context, rs *runState, phaseErrs []error) *Summary {
	o.setState(StateCleanup, "")

	o.deps.Captures.StopAll(o.cfg.Run.CaptureGrace)

	end := o.deps.Now()
	rs.tracker.Close(end)

	summary := &Summary{
		RunID:     rs.id,
		Scenario:  o.cfg.Scenario.Name,
		OutputDir: rs.dir,
		Start:     rs.start,
		End:       end,
		Phases:    rs.phases,
		Timeline:  intervalsOf(rs.tracker),
	}

	if rs.collector != nil {
		rs.collector.Stop()
		<-rs.collector.Done()
		if err := <-rs.collErr; err != nil {
			o.logger.Error("Flow sample flush failed", zap.Error(err))
		}
		if err := rs.csv.Close(); err != nil {
			o.logger.Error("Failed to close flow CSV", zap.Error(err))
		}
		summary.Samples = rs.collector.Collected()
		summary.FailedPolls = rs.collector.Failures()
		summary.Collector = rs.collector.State().String()
		summary.FlowCSV = rs.csv.Path()
	}

	switch {
	case ctx.Err() != nil:
		summary.Status = StatusCancelled
	case len(phaseErrs) > 0:
		summary.Status = store.StatusFailed
	default:
		summary.Status = store.StatusCompleted
	}

	if err := rs.tracker.Save(filepath.Join(rs.dir, TimelineFile)); err != nil {
		o.logger.Error("Failed to save timeline", zap.Error(err))
	}
	if err := summary.Write(filepath.Join(rs.dir, SummaryFile)); err != nil {
		o.logger.Error("Failed to write run summary", zap.Error(err))
	}
	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.RecordRun(context.WithoutCancel(ctx), summary.ledgerRun(errors.Join(phaseErrs...))); err != nil {
			o.logger.Error("Failed to record run in ledger", zap.Error(err))
		}
	}

	o.logTiming(summary)
	o.setState(StateDone, "")
	return summary
}

func (o *Orchestrator) logTiming(s *Summary) {
	var configured time.Duration
	for _, p := range s.Phases {
		configured += p.Configured
		o.logger.Info("Phase timing",
			zap.String("phase", p.Name),
			zap.Duration("configured", p.Configured),
			zap.Duration("actual", p.Elapsed),
			zap.Duration("overrun", p.Elapsed-p.Configured),
			zap.Bool("failed", p.Error != ""))
	}
	o.logger.Info("Scenario finished",
		zap.String("run_id", s.RunID),
		zap.String("status", s.Status),
		zap.Duration("configured", configured),
		zap.Duration("actual", s.End.Sub(s.Start)),
		zap.Int("samples", s.Samples),
		zap.Int("intervals", len(s.Timeline)))
}
