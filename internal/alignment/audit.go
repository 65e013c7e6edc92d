package alignment

import (
	"errors"
	"sort"
	"strconv"
	"time"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/model"
)

// Class is the alignment verdict for one label.
type Class string

const (
	Excellent Class = "excellent"
	Good      Class = "good"
	Poor      Class = "poor"
	// Partial: present in at least two datasets but not in all of them.
	Partial Class = "partial"
	// Missing: present in only one dataset, so there is nothing to compare.
	Missing Class = "missing"
)

// Window is the [Start, End] span a dataset assigns to a label.
type Window struct {
	Start time.Time
	End   time.Time
	Count int
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// LabelResult is the audit of one label across all datasets.
type LabelResult struct {
	Label   string
	Windows map[string]Window
	// Overlap and OverlapRatio are the smallest pairwise values among the
	// datasets that contain the label.
	Overlap      time.Duration
	OverlapRatio float64
	MaxStartGap  time.Duration
	Class        Class
}

// Report is the outcome of an audit.
type Report struct {
	Datasets  []string
	Labels    []LabelResult
	Score     float64
	PassScore float64
}

// Acceptable reports whether the score reaches the pass threshold.
func (r *Report) Acceptable() bool { return r.Score >= r.PassScore }

// Auditor scores per-label window overlap. It never modifies its inputs.
type Auditor struct {
	cfg config.AlignmentConfig
}

func New(cfg config.AlignmentConfig) *Auditor {
	if cfg.ExcellentRatio <= 0 {
		cfg.ExcellentRatio = 0.8
	}
	if cfg.GoodRatio <= 0 {
		cfg.GoodRatio = 0.5
	}
	if cfg.PassScore <= 0 {
		cfg.PassScore = 70
	}
	return &Auditor{cfg: cfg}
}

// Audit compares two or more datasets. The unlabeled sentinel is ignored.
// Datasets sharing a name are still compared separately; the report names
// them "<name>#2", "<name>#3" and so on.
func (a *Auditor) Audit(datasets ...Dataset) (*Report, error) {
	if len(datasets) < 2 {
		return nil, errors.New("alignment needs at least two datasets")
	}

	names := uniqueNames(datasets)
	windows := make(map[string]map[string]Window)
	for i, d := range datasets {
		name := names[i]
		for _, p := range d.Points {
			if p.Label == "" || p.Label == model.LabelUnlabeled {
				continue
			}
			byDataset, ok := windows[p.Label]
			if !ok {
				byDataset = make(map[string]Window)
				windows[p.Label] = byDataset
			}
			w, ok := byDataset[name]
			if !ok {
				w = Window{Start: p.Timestamp, End: p.Timestamp}
			}
			if p.Timestamp.Before(w.Start) {
				w.Start = p.Timestamp
			}
			if p.Timestamp.After(w.End) {
				w.End = p.Timestamp
			}
			w.Count++
			byDataset[name] = w
		}
	}

	labels := make([]string, 0, len(windows))
	for l := range windows {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	report := &Report{Datasets: names, PassScore: a.cfg.PassScore}
	var aligned int
	for _, l := range labels {
		res := a.classify(l, names, windows[l])
		if res.Class == Excellent || res.Class == Good {
			aligned++
		}
		report.Labels = append(report.Labels, res)
	}
	if len(labels) > 0 {
		report.Score = 100 * float64(aligned) / float64(len(labels))
	}
	return report, nil
}

func uniqueNames(datasets []Dataset) []string {
	names := make([]string, len(datasets))
	taken := make(map[string]bool, len(datasets))
	for i, d := range datasets {
		name := d.Name
		for n := 2; taken[name]; n++ {
			name = d.Name + "#" + strconv.Itoa(n)
		}
		taken[name] = true
		names[i] = name
	}
	return names
}

func (a *Auditor) classify(label string, names []string, byDataset map[string]Window) LabelResult {
	res := LabelResult{Label: label, Windows: byDataset}

	var present []Window
	for _, n := range names {
		if w, ok := byDataset[n]; ok {
			present = append(present, w)
		}
	}
	if len(present) < 2 {
		res.Class = Missing
		return res
	}

	res.OverlapRatio = 1
	first := true
	minStart, maxStart := present[0].Start, present[0].Start
	for i := range present {
		if present[i].Start.Before(minStart) {
			minStart = present[i].Start
		}
		if present[i].Start.After(maxStart) {
			maxStart = present[i].Start
		}
		for j := i + 1; j < len(present); j++ {
			overlap, ratio := overlapOf(present[i], present[j])
			if first || ratio < res.OverlapRatio {
				res.OverlapRatio = ratio
			}
			if first || overlap < res.Overlap {
				res.Overlap = overlap
			}
			first = false
		}
	}
	res.MaxStartGap = maxStart.Sub(minStart)

	switch {
	case len(present) < len(names):
		res.Class = Partial
	case res.OverlapRatio >= a.cfg.ExcellentRatio:
		res.Class = Excellent
	case res.OverlapRatio >= a.cfg.GoodRatio:
		res.Class = Good
	default:
		res.Class = Poor
	}
	return res
}

// overlapOf returns the intersection of two windows and its share of the
// shorter one. Zero-length windows count as fully overlapping when they
// touch the other window.
func overlapOf(x, y Window) (time.Duration, float64) {
	start := x.Start
	if y.Start.After(start) {
		start = y.Start
	}
	end := x.End
	if y.End.Before(end) {
		end = y.End
	}
	if end.Before(start) {
		return 0, 0
	}
	overlap := end.Sub(start)
	shorter := min(x.Duration(), y.Duration())
	if shorter == 0 {
		return overlap, 1
	}
	return overlap, float64(overlap) / float64(shorter)
}
