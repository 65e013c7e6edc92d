// Package batch fans the labeling pipeline out over many capture files.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/engine/labeler"
	"Go2NetLabel/internal/engine/normalize"
	"Go2NetLabel/internal/metrics"
	"Go2NetLabel/internal/model"

	"go.uber.org/zap"
)

// FileLabeler labels a single capture file.
type FileLabeler interface {
	LabelFile(ctx context.Context, task labeler.Task) (*labeler.FileResult, error)
}

// Failure records a task that was skipped.
type Failure struct {
	Path  string
	Label string
	Err   error
}

// FileSummary describes one successfully labeled file.
type FileSummary struct {
	Path        string
	Label       string
	Rows        int
	Stats       normalize.Stats
	LabelCounts map[string]int
	Elapsed     time.Duration
	// SinkErr is set when a secondary sink rejected the rows. The rows are
	// still in the primary output.
	SinkErr error
}

// Result is the outcome of a batch. Rows are in completion order and match
// what was written to the primary sink.
type Result struct {
	Rows         []model.LabeledFeatureRow
	Files        []FileSummary
	Succeeded    int
	Skipped      int
	Failures     []Failure
	SinkFailures []Failure
}

// Runner runs labeling tasks on a bounded worker pool. A failing task is
// recorded and skipped; it never stops its siblings.
type Runner struct {
	labeler FileLabeler
	workers int
	timeout time.Duration
	sinks   []model.RowSink
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRunner creates a runner. Every successful file's rows are also written
// to sinks as soon as the file completes. sinks[0] is the primary output: a
// file it rejects is skipped. Errors from the other sinks are recorded in
// Result.SinkFailures and do not skip the file. m may be nil.
func NewRunner(l FileLabeler, cfg config.LabelingConfig, sinks []model.RowSink, logger *zap.Logger, m *metrics.Metrics) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		labeler: l,
		workers: workers,
		timeout: cfg.TaskTimeout,
		sinks:   sinks,
		logger:  logger.Named("batch"),
		metrics: m,
	}
}

type outcome struct {
	task    labeler.Task
	res     *labeler.FileResult
	err     error
	elapsed time.Duration
}

// Run labels every task and returns once all of them have finished.
func (r *Runner) Run(ctx context.Context, tasks []labeler.Task) *Result {
	taskCh := make(chan labeler.Task)
	outCh := make(chan outcome)

	workers := min(r.workers, max(len(tasks), 1))
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker(ctx, taskCh, outCh, &wg)
	}
	go func() {
		defer close(taskCh)
		for _, t := range tasks {
			taskCh <- t
		}
	}()
	go func() {
		wg.Wait()
		close(outCh)
	}()

	r.logger.Info("Batch started", zap.Int("tasks", len(tasks)), zap.Int("workers", workers))

	res := &Result{}
	for o := range outCh {
		err := o.err
		var sinkErr error
		if err == nil {
			err, sinkErr = r.emit(ctx, o.res.Rows)
		}
		if err != nil {
			res.Skipped++
			res.Failures = append(res.Failures, Failure{Path: o.task.Path, Label: o.task.Label, Err: err})
			r.count("skipped")
			r.logger.Warn("Skipping capture",
				zap.String("file", o.task.Path),
				zap.String("label", o.task.Label),
				zap.Error(err))
			continue
		}

		res.Succeeded++
		res.Rows = append(res.Rows, o.res.Rows...)
		res.Files = append(res.Files, FileSummary{
			Path:        o.task.Path,
			Label:       o.task.Label,
			Rows:        len(o.res.Rows),
			Stats:       o.res.Stats,
			LabelCounts: o.res.LabelCounts,
			Elapsed:     o.elapsed,
			SinkErr:     sinkErr,
		})
		r.count("succeeded")
		if sinkErr != nil {
			res.SinkFailures = append(res.SinkFailures, Failure{Path: o.task.Path, Label: o.task.Label, Err: sinkErr})
			r.logger.Warn("Secondary sink rejected rows",
				zap.String("file", o.task.Path),
				zap.Int("rows", len(o.res.Rows)),
				zap.Error(sinkErr))
		}
	}

	r.logger.Info("Batch finished",
		zap.Int("succeeded", res.Succeeded),
		zap.Int("skipped", res.Skipped),
		zap.Int("sink_failures", len(res.SinkFailures)),
		zap.Int("rows", len(res.Rows)))
	return res
}

func (r *Runner) worker(ctx context.Context, tasks <-chan labeler.Task, out chan<- outcome, wg *sync.WaitGroup) {
	defer wg.Done()
	for t := range tasks {
		start := time.Now()
		res, err := r.runOne(ctx, t)
		out <- outcome{task: t, res: res, err: err, elapsed: time.Since(start)}
	}
}

func (r *Runner) runOne(ctx context.Context, t labeler.Task) (res *labeler.FileResult, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("labeling panicked: %v", p)
		}
	}()
	return r.labeler.LabelFile(ctx, t)
}

// emit writes rows to the primary sink first; only if that succeeds are the
// secondary sinks tried, each independently.
func (r *Runner) emit(ctx context.Context, rows []model.LabeledFeatureRow) (primary, secondary error) {
	if len(r.sinks) == 0 {
		return nil, nil
	}
	if err := r.sinks[0].WriteRows(ctx, rows); err != nil {
		return fmt.Errorf("failed to write rows: %w", err), nil
	}
	var errs []error
	for _, s := range r.sinks[1:] {
		if err := s.WriteRows(ctx, rows); err != nil {
			errs = append(errs, err)
		}
	}
	return nil, errors.Join(errs...)
}

func (r *Runner) count(status string) {
	if r.metrics != nil {
		r.metrics.FilesProcessed.WithLabelValues(status).Inc()
	}
}
