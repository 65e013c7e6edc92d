// Package timeline keeps the labeled time intervals of a scenario run and
// answers point lookups against them.
package timeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"Go2NetLabel/internal/model"
)

// ErrOutOfOrder is returned when an interval would start before the previous one.
var ErrOutOfOrder = errors.New("interval starts before the previous interval")

// Tracker is an append-only log of chronologically ordered, non-overlapping
// label intervals with at most one open interval at the end.
//
// A single RWMutex covers both mutation and lookup, so a concurrent reader
// never observes a half-closed interval list.
type Tracker struct {
	mu        sync.RWMutex
	intervals []model.LabelInterval
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// OpenInterval closes the currently open interval at `at` and opens a new one labeled `label`.
func (t *Tracker) OpenInterval(label string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.intervals); n > 0 {
		last := &t.intervals[n-1]
		if at.Before(last.Start) {
			return fmt.Errorf("%w: %s < %s", ErrOutOfOrder, at.Format(time.RFC3339Nano), last.Start.Format(time.RFC3339Nano))
		}
		if last.End == nil {
			end := at
			last.End = &end
		} else if at.Before(*last.End) {
			return fmt.Errorf("%w: %s < end %s", ErrOutOfOrder, at.Format(time.RFC3339Nano), last.End.Format(time.RFC3339Nano))
		}
	}
	t.intervals = append(t.intervals, model.LabelInterval{Start: at, Label: label})
	return nil
}

// Close ends the open interval at `at`. It is a no-op when nothing is open.
// An `at` earlier than the open interval's start is clamped to that start.
func (t *Tracker) Close(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.intervals)
	if n == 0 || t.intervals[n-1].End != nil {
		return
	}
	last := &t.intervals[n-1]
	if at.Before(last.Start) {
		at = last.Start
	}
	end := at
	last.End = &end
}

// LabelAt returns the label of the interval containing ts, or model.LabelUnlabeled.
func (t *Tracker) LabelAt(ts time.Time) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return LabelIn(t.intervals, ts)
}

// LabelIn is LabelAt over an interval snapshot such as the one returned by
// Intervals. ivs must be sorted and non-overlapping.
func LabelIn(ivs []model.LabelInterval, ts time.Time) string {
	// Binary search on start.
	lo, hi := 0, len(ivs)
	for lo < hi {
		mid := (lo + hi) / 2
		if ivs[mid].Start.After(ts) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == 0 {
		return model.LabelUnlabeled
	}
	if iv := ivs[lo-1]; iv.Contains(ts) {
		return iv.Label
	}
	return model.LabelUnlabeled
}

// Current returns the open interval, if any.
func (t *Tracker) Current() (model.LabelInterval, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := len(t.intervals)
	if n == 0 || t.intervals[n-1].End != nil {
		return model.LabelInterval{}, false
	}
	return copyInterval(t.intervals[n-1]), true
}

// Intervals returns a deep copy of all intervals.
func (t *Tracker) Intervals() []model.LabelInterval {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.LabelInterval, len(t.intervals))
	for i, iv := range t.intervals {
		out[i] = copyInterval(iv)
	}
	return out
}

// Len returns the number of tracked intervals.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.intervals)
}

// PerFile synthesizes a closed single-interval timeline for one capture file.
// The interval starts at baseline and covers span plus a tail window that
// absorbs clock skew between the capture and the scenario clock.
func PerFile(label string, baseline time.Time, span, tail time.Duration) *Tracker {
	if span < 0 {
		span = 0
	}
	if tail < 0 {
		tail = 0
	}
	end := baseline.Add(span + tail)
	if !end.After(baseline) {
		// A zero-width window would contain nothing, not even the baseline itself.
		end = baseline.Add(time.Nanosecond)
	}
	return &Tracker{intervals: []model.LabelInterval{{Start: baseline, End: &end, Label: label}}}
}

func copyInterval(iv model.LabelInterval) model.LabelInterval {
	if iv.End != nil {
		end := *iv.End
		iv.End = &end
	}
	return iv
}
