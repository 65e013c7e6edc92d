// Package normalize repairs corrupted capture timestamps and derives the
// baseline time of a capture file.
package normalize

import (
	"errors"
	"slices"
	"time"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/model"
)

const (
	maxPasses = 16
	// spikeLookahead is how many following records vote on a forward jump.
	spikeLookahead = 32
)

// ErrNoValidTimestamps is returned when no record has a trustworthy timestamp
// to repair the others from.
var ErrNoValidTimestamps = errors.New("no valid timestamps to anchor on")

// Options bounds what counts as a plausible timestamp.
type Options struct {
	// MinValid and MaxValid bound plausible timestamps. A zero MaxValid means
	// 24h after the time of the call.
	MinValid time.Time
	MaxValid time.Time
	// MaxSpan is the furthest a timestamp may sit from the file's median.
	MaxSpan time.Duration
	// MaxGap is the largest expected forward jump between packets.
	MaxGap time.Duration
	// ReorderTolerance is how far a timestamp may go backwards.
	ReorderTolerance time.Duration
}

// DefaultOptions returns the bounds used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MinValid:         time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxSpan:          24 * time.Hour,
		MaxGap:           60 * time.Second,
		ReorderTolerance: time.Second,
	}
}

// OptionsFrom applies the configured bounds on top of the defaults.
func OptionsFrom(cfg config.NormalizerConfig) Options {
	o := DefaultOptions()
	if cfg.MaxGap > 0 {
		o.MaxGap = cfg.MaxGap
	}
	if cfg.MaxSpan > 0 {
		o.MaxSpan = cfg.MaxSpan
	}
	if cfg.ReorderTolerance > 0 {
		o.ReorderTolerance = cfg.ReorderTolerance
	}
	return o
}

// Stats summarizes one normalization.
type Stats struct {
	Total          int
	Corrected      int
	CorruptionRate float64
	// Baseline is the earliest corrected timestamp.
	Baseline time.Time
}

// Normalizer detects and repairs corrupted timestamps. It never drops
// records and running it on its own output changes nothing.
type Normalizer struct {
	opts Options
}

func New(opts Options) *Normalizer {
	return &Normalizer{opts: opts}
}

// Normalize returns a corrected copy of recs.
func (n *Normalizer) Normalize(recs []model.RawPacketRecord) ([]model.RawPacketRecord, Stats, error) {
	stats := Stats{Total: len(recs)}
	if len(recs) == 0 {
		return nil, stats, nil
	}

	ts := make([]time.Time, len(recs))
	for i, r := range recs {
		ts[i] = r.Timestamp
	}

	// Repairs move the median and the high-water mark, so detection is rerun
	// on the repaired values until it finds nothing. This keeps a second
	// Normalize over the output a no-op.
	corrected := make([]bool, len(ts))
	for pass := 0; pass < maxPasses; pass++ {
		bad := n.detect(ts)
		valid := make([]int, 0, len(ts))
		for i := range ts {
			if !bad[i] {
				valid = append(valid, i)
			}
		}
		if len(valid) == len(ts) {
			break
		}
		if len(valid) == 0 {
			if pass == 0 {
				return nil, stats, ErrNoValidTimestamps
			}
			break
		}
		for i, b := range bad {
			corrected[i] = corrected[i] || b
		}
		ts = n.repair(ts, bad, valid)
	}

	out := make([]model.RawPacketRecord, len(recs))
	copy(out, recs)
	stats.Baseline = ts[0]
	for i := range out {
		out[i].Timestamp = ts[i]
		if corrected[i] {
			stats.Corrected++
		}
		if ts[i].Before(stats.Baseline) {
			stats.Baseline = ts[i]
		}
	}
	stats.CorruptionRate = float64(stats.Corrected) / float64(stats.Total)
	return out, stats, nil
}

func (n *Normalizer) detect(ts []time.Time) []bool {
	bad := make([]bool, len(ts))
	maxValid := n.opts.MaxValid
	if maxValid.IsZero() {
		maxValid = time.Now().Add(24 * time.Hour)
	}

	// Epoch-scale corruption: outside the plausible range.
	var inRange []time.Time
	for i, t := range ts {
		if t.Before(n.opts.MinValid) || t.After(maxValid) {
			bad[i] = true
			continue
		}
		inRange = append(inRange, t)
	}
	if len(inRange) == 0 {
		return bad
	}

	// Large jumps: far from where the bulk of the file sits.
	median := medianTime(inRange)
	for i, t := range ts {
		if !bad[i] && absDuration(t.Sub(median)) > n.opts.MaxSpan {
			bad[i] = true
		}
	}

	n.dropLeadingOutliers(ts, bad)

	// Local discontinuities against the running high-water mark.
	high := -1
	for i, t := range ts {
		if bad[i] {
			continue
		}
		if high < 0 {
			high = i
			continue
		}
		d := t.Sub(ts[high])
		switch {
		case d < -n.opts.ReorderTolerance:
			bad[i] = true
		case d > n.opts.MaxGap && isSpike(ts, bad, i, ts[high]):
			bad[i] = true
		case d > 0:
			high = i
		}
	}
	return bad
}

// dropLeadingOutliers marks the first trustworthy records bad while they sit
// ahead of the records that follow them, so they cannot become the
// high-water mark everything else is measured against.
func (n *Normalizer) dropLeadingOutliers(ts []time.Time, bad []bool) {
	for {
		f, g, h := nextValid(bad, 0), -1, -1
		if f >= 0 {
			g = nextValid(bad, f+1)
		}
		if g >= 0 {
			h = nextValid(bad, g+1)
		}
		if h < 0 || ts[g].Sub(ts[f]) >= -n.opts.ReorderTolerance {
			return
		}
		if absDuration(ts[h].Sub(ts[g])) >= absDuration(ts[h].Sub(ts[f])) {
			return
		}
		bad[f] = true
	}
}

func nextValid(bad []bool, from int) int {
	for i := from; i < len(bad); i++ {
		if !bad[i] {
			return i
		}
	}
	return -1
}

// isSpike reports whether ts[i] jumped forward on its own: most of the next
// trustworthy records lie closer to the previous timestamp than to ts[i].
// A jump at the end of the file cannot be confirmed and is kept.
func isSpike(ts []time.Time, bad []bool, i int, prev time.Time) bool {
	back, ahead := 0, 0
	for j := i + 1; j < len(ts) && back+ahead < spikeLookahead; j++ {
		if bad[j] {
			continue
		}
		if absDuration(ts[j].Sub(prev)) < absDuration(ts[j].Sub(ts[i])) {
			back++
		} else {
			ahead++
		}
	}
	return back > ahead
}

// repair interpolates interior runs of bad timestamps between their valid
// neighbours and extrapolates leading and trailing runs at the median
// inter-arrival time of the valid records, capped at MaxGap.
func (n *Normalizer) repair(ts []time.Time, bad []bool, valid []int) []time.Time {
	out := make([]time.Time, len(ts))
	copy(out, ts)

	step := medianStep(ts, valid)
	if n.opts.MaxGap > 0 && step > n.opts.MaxGap {
		step = n.opts.MaxGap
	}
	first, last := valid[0], valid[len(valid)-1]
	for i := 0; i < first; i++ {
		out[i] = ts[first].Add(-time.Duration(first-i) * step)
	}
	for i := last + 1; i < len(ts); i++ {
		out[i] = ts[last].Add(time.Duration(i-last) * step)
	}

	for k := 0; k+1 < len(valid); k++ {
		a, b := valid[k], valid[k+1]
		if b-a < 2 {
			continue
		}
		span := float64(ts[b].Sub(ts[a]))
		for i := a + 1; i < b; i++ {
			out[i] = ts[a].Add(time.Duration(span * float64(i-a) / float64(b-a)))
		}
	}
	return out
}

func medianStep(ts []time.Time, valid []int) time.Duration {
	var steps []time.Duration
	for k := 0; k+1 < len(valid); k++ {
		if d := ts[valid[k+1]].Sub(ts[valid[k]]); d > 0 {
			steps = append(steps, d)
		}
	}
	if len(steps) == 0 {
		return 0
	}
	slices.Sort(steps)
	return steps[len(steps)/2]
}

func medianTime(ts []time.Time) time.Time {
	sorted := slices.Clone(ts)
	slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })
	return sorted[len(sorted)/2]
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
