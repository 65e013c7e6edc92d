package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"Go2NetLabel/internal/model"
	"Go2NetLabel/internal/store"
	"Go2NetLabel/internal/timeline"
)

// StatusCancelled marks a run whose context ended before all phases ran.
const StatusCancelled = "cancelled"

// PhaseResult is the record of one executed phase.
type PhaseResult struct {
	Name       string        `json:"name"`
	Label      string        `json:"label"`
	Kind       string        `json:"kind"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Configured time.Duration `json:"configured_ns"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	TimedOut   bool          `json:"timed_out"`
	Captures   []string      `json:"captures,omitempty"`
	Error      string        `json:"error,omitempty"`

	err error
}

// Interval is a closed timeline interval as written to the summary.
type Interval struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Summary is written to run_summary.json at the end of every run.
type Summary struct {
	RunID       string        `json:"run_id"`
	Scenario    string        `json:"scenario"`
	Status      string        `json:"status"`
	OutputDir   string        `json:"output_dir"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Phases      []PhaseResult `json:"phases"`
	Timeline    []Interval    `json:"timeline"`
	Collector   string        `json:"collector,omitempty"`
	Samples     int           `json:"samples"`
	FailedPolls int           `json:"failed_polls"`
	FlowCSV     string        `json:"flow_csv,omitempty"`
}

// Failed returns the phases that ended with an error.
func (s *Summary) Failed() []PhaseResult {
	var out []PhaseResult
	for _, p := range s.Phases {
		if p.Error != "" {
			out = append(out, p)
		}
	}
	return out
}

// Write stores the summary as indented JSON.
func (s *Summary) Write(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSummary loads a summary written by Write.
func ReadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse run summary: %w", err)
	}
	return &s, nil
}

func (s *Summary) ledgerRun(runErr error) store.Run {
	r := store.Run{
		ID:        s.RunID,
		Scenario:  s.Scenario,
		OutputDir: s.OutputDir,
		Start:     s.Start,
		End:       s.End,
		Status:    s.Status,
		Samples:   s.Samples,
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	for _, p := range s.Phases {
		r.Phases = append(r.Phases, store.Phase{
			Name:  p.Name,
			Label: p.Label,
			Kind:  p.Kind,
			Start: p.Start,
			End:   p.End,
			Error: p.Error,
		})
	}
	return r
}

func intervalsOf(t *timeline.Tracker) []Interval {
	ivs := t.Intervals()
	out := make([]Interval, 0, len(ivs))
	for _, iv := range ivs {
		out = append(out, toInterval(iv))
	}
	return out
}

func toInterval(iv model.LabelInterval) Interval {
	out := Interval{Label: iv.Label, Start: iv.Start}
	if iv.End != nil {
		out.End = *iv.End
	}
	return out
}
