package scenario

import (
	"time"

	"Go2NetLabel/internal/model"
)

// Orchestrator states reported by Status.
const (
	StateIdle      = "idle"
	StatePreflight = "preflight"
	StateRunning   = "running"
	StateCleanup   = "cleanup"
	StateDone      = "done"
	StateFailed    = "failed"
)

// Status is a point-in-time view of a run.
type Status struct {
	RunID      string    `json:"run_id,omitempty"`
	Scenario   string    `json:"scenario"`
	State      string    `json:"state"`
	Phase      string    `json:"phase,omitempty"`
	PhaseCount int       `json:"phase_count"`
	Completed  []string  `json:"completed"`
	OutputDir  string    `json:"output_dir,omitempty"`
	Started    time.Time `json:"started"`
	Samples    int       `json:"samples"`
}

// Status returns a copy of the current run status.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.status
	s.Completed = append([]string(nil), o.status.Completed...)
	if o.run != nil && o.run.collector != nil {
		s.Samples = o.run.collector.Collected()
	}
	return s
}

// Timeline returns the intervals tracked so far, or nil before the run
// starts.
func (o *Orchestrator) Timeline() []model.LabelInterval {
	o.mu.RLock()
	rs := o.run
	o.mu.RUnlock()
	if rs == nil {
		return nil
	}
	return rs.tracker.Intervals()
}

func (o *Orchestrator) setState(state, phase string) {
	o.mu.Lock()
	o.status.State = state
	o.status.Phase = phase
	o.mu.Unlock()
}
