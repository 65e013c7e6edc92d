package generator

import (
	"context"
	"time"
)

// idle produces no traffic and just holds the phase open.
type idle struct{}

func init() {
	register(KindIdle, func(Params) (Generator, error) { return idle{}, nil })
}

func (idle) Kind() Kind     { return KindIdle }
func (idle) Binary() string { return "" }

func (idle) Run(ctx context.Context, duration time.Duration) Outcome {
	out := Outcome{Kind: KindIdle, Started: time.Now()}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		out.TimedOut = true
	case <-ctx.Done():
		out.Err = ctx.Err()
	}
	out.Finished = time.Now()
	out.Elapsed = out.Finished.Sub(out.Started)
	return out
}
