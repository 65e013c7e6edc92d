// Package labeler turns one capture file into labeled packet rows.
package labeler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"Go2NetLabel/internal/engine/normalize"
	"Go2NetLabel/internal/metrics"
	"Go2NetLabel/internal/model"
	"Go2NetLabel/internal/timeline"
	"Go2NetLabel/pkg/pcap"

	"go.uber.org/zap"
)

// ErrEmptyCapture is returned for a capture without a single decodable packet.
var ErrEmptyCapture = errors.New("capture contains no packets")

// Task is one capture file to label. With a nil Timeline the file is
// labeled against a per-file timeline anchored at its baseline time.
type Task struct {
	Path     string
	Label    string
	Timeline *timeline.Tracker
}

// FileResult is the output of one labeled file.
type FileResult struct {
	Path        string
	Rows        []model.LabeledFeatureRow
	Stats       normalize.Stats
	LabelCounts map[string]int
	Truncated   bool
	Undecodable int
}

// Labeler reads, normalizes and labels capture files. It holds no per-file
// state and is safe for concurrent use.
type Labeler struct {
	normalizer *normalize.Normalizer
	tail       time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// New creates a labeler. tail widens per-file timelines past the last packet
// to absorb clock skew. m may be nil.
func New(opts normalize.Options, tail time.Duration, logger *zap.Logger, m *metrics.Metrics) *Labeler {
	return &Labeler{
		normalizer: normalize.New(opts),
		tail:       tail,
		logger:     logger.Named("labeler"),
		metrics:    m,
	}
}

// LabelFile produces one row per packet of task.Path. Packets outside every
// interval get the unlabeled sentinel.
func (l *Labeler) LabelFile(ctx context.Context, task Task) (*FileResult, error) {
	if task.Timeline == nil && task.Label == "" {
		return nil, fmt.Errorf("%s: a label or a timeline is required", task.Path)
	}

	r, err := pcap.NewReader(task.Path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	recs, err := r.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", task.Path, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s: %w", task.Path, ErrEmptyCapture)
	}

	fixed, stats, err := l.normalizer.Normalize(recs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", task.Path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tl := task.Timeline
	if tl == nil {
		// +1ns keeps the last packet inside the half-open window when tail is 0.
		span := latest(fixed).Sub(stats.Baseline) + time.Nanosecond
		tl = timeline.PerFile(task.Label, stats.Baseline, span, l.tail)
	}

	source := filepath.Base(task.Path)
	res := &FileResult{
		Path:        task.Path,
		Rows:        make([]model.LabeledFeatureRow, len(fixed)),
		Stats:       stats,
		LabelCounts: make(map[string]int),
		Truncated:   r.Truncated,
		Undecodable: r.Undecodable,
	}
	for i, rec := range fixed {
		label := tl.LabelAt(rec.Timestamp)
		res.Rows[i] = model.NewLabeledRow(rec, source, label)
		res.LabelCounts[label]++
	}

	if l.metrics != nil {
		l.metrics.CorruptionRate.Observe(stats.CorruptionRate)
		for label, n := range res.LabelCounts {
			l.metrics.RowsLabeled.WithLabelValues(label).Add(float64(n))
		}
	}

	fields := []zap.Field{
		zap.String("file", task.Path),
		zap.Int("rows", len(res.Rows)),
		zap.Int("corrected", stats.Corrected),
		zap.Time("baseline", stats.Baseline),
	}
	if r.Truncated {
		fields = append(fields, zap.Bool("truncated", true))
	}
	l.logger.Info("Labeled capture", fields...)
	return res, nil
}

func latest(recs []model.RawPacketRecord) time.Time {
	var t time.Time
	for _, r := range recs {
		if r.Timestamp.After(t) {
			t = r.Timestamp
		}
	}
	return t
}
