package generator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"Go2NetLabel/internal/hostexec"

	"go.uber.org/zap"
)

// process runs an external traffic tool on the attacker host until it exits
// or the phase duration is over. Reaching the deadline is the normal end.
type process struct {
	kind   Kind
	host   string
	argv   []string
	grace  time.Duration
	runner *hostexec.Runner
	logger *zap.Logger
}

func init() {
	register(KindBenign, func(p Params) (Generator, error) {
		return newTemplated(KindBenign, p, p.Config.BenignCommand)
	})
	register(KindHTTPFlood, func(p Params) (Generator, error) {
		return newTemplated(KindHTTPFlood, p, p.Config.HTTPCommand)
	})
	register(KindSYNFlood, func(p Params) (Generator, error) {
		return newFlood(KindSYNFlood, p, "-S", "--flood", "-p", strconv.Itoa(p.Config.TargetPort))
	})
	register(KindUDPFlood, func(p Params) (Generator, error) {
		return newFlood(KindUDPFlood, p, "--udp", "--flood", "-p", strconv.Itoa(p.Config.TargetPort))
	})
	register(KindICMPFlood, func(p Params) (Generator, error) {
		return newFlood(KindICMPFlood, p, "--icmp", "--flood")
	})
}

func newFlood(kind Kind, p Params, flags ...string) (Generator, error) {
	if p.Config.Hping3 == "" {
		return nil, errors.New("generators.hping3 is not set")
	}
	if p.Phase.Victim == "" {
		return nil, errors.New("a victim address is required")
	}
	argv := append([]string{p.Config.Hping3}, flags...)
	argv = append(argv, p.Phase.Victim)
	return newProcess(kind, p, argv), nil
}

func newTemplated(kind Kind, p Params, tmpl []string) (Generator, error) {
	if len(tmpl) == 0 {
		return nil, errors.New("no command configured")
	}
	argv := hostexec.Expand(tmpl, map[string]string{
		"attacker": p.Phase.Attacker,
		"victim":   p.Phase.Victim,
		"port":     strconv.Itoa(p.Config.TargetPort),
	})
	return newProcess(kind, p, argv), nil
}

func newProcess(kind Kind, p Params, argv []string) *process {
	return &process{
		kind:   kind,
		host:   p.Phase.Attacker,
		argv:   argv,
		grace:  p.Config.Grace,
		runner: p.Runner,
		logger: p.Logger.Named("generator").With(zap.String("kind", string(kind))),
	}
}

func (g *process) Kind() Kind { return g.kind }

func (g *process) Binary() string { return g.runner.Binary(g.host, g.argv[0]) }

// Argv returns the command line as executed, host prefix included.
func (g *process) Argv() []string { return g.runner.Argv(g.host, g.argv...) }

func (g *process) Run(ctx context.Context, duration time.Duration) Outcome {
	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	cmd := g.runner.Command(runCtx, g.host, g.argv...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = g.grace

	out := Outcome{Kind: g.kind, Started: time.Now()}
	g.logger.Info("Generator starting",
		zap.Strings("argv", cmd.Args),
		zap.Duration("duration", duration))
	err := cmd.Run()
	out.Finished = time.Now()
	out.Elapsed = out.Finished.Sub(out.Started)

	switch {
	case ctx.Err() != nil:
		out.Err = ctx.Err()
	case runCtx.Err() != nil:
		out.TimedOut = true
	case err != nil:
		out.Err = fmt.Errorf("%s generator exited after %s: %w", g.kind, out.Elapsed.Round(time.Millisecond), err)
	}
	if out.Err != nil {
		g.logger.Warn("Generator failed", zap.Error(out.Err))
	} else {
		g.logger.Info("Generator finished",
			zap.Duration("elapsed", out.Elapsed),
			zap.Bool("timed_out", out.TimedOut))
	}
	return out
}
