package scenario

import (
	"errors"
	"fmt"
	"os"

	"Go2NetLabel/internal/capture"
	"Go2NetLabel/internal/generator"
)

// ErrPreflight wraps every setup failure that prevents a run from starting.
var ErrPreflight = errors.New("preflight failed")

// Preflight checks that the output directory is writable and that the
// capture tool and every generator binary can be resolved. It returns the
// generators of each phase, in phase order.
func (o *Orchestrator) Preflight() ([]generator.Generator, error) {
	var errs []error

	if err := checkWritable(o.cfg.Run.OutputDir); err != nil {
		errs = append(errs, err)
	}

	checked := make(map[string]bool)
	lookup := func(bin, what string) {
		if bin == "" || checked[bin] {
			return
		}
		checked[bin] = true
		if _, err := o.deps.LookPath(bin); err != nil {
			errs = append(errs, fmt.Errorf("%s '%s' not found: %w", what, bin, err))
		}
	}

	gens := make([]generator.Generator, 0, len(o.cfg.Scenario.Phases))
	for _, p := range o.cfg.Scenario.Phases {
		for _, name := range p.Capture {
			scope := capture.ParseScope(name)
			lookup(o.deps.Runner.Binary(scope.Host, o.cfg.Capture.Tool), "capture tool")
		}
		g, err := o.deps.Generators(generator.Params{
			Phase:  p,
			Config: o.cfg.Generators,
			Runner: o.deps.Runner,
			Logger: o.logger,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lookup(g.Binary(), "generator binary")
		gens = append(gens, g)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPreflight, err)
	}
	return gens, nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("output directory '%s' cannot be created: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return fmt.Errorf("output directory '%s' is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
