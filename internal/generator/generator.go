// Package generator runs the traffic of a scenario phase. Each phase kind is
// a closed variant selected once at phase setup.
package generator

import (
	"context"
	"fmt"
	"time"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/hostexec"

	"go.uber.org/zap"
)

// Kind identifies a traffic generator variant.
type Kind string

const (
	KindIdle      Kind = "idle"
	KindBenign    Kind = "benign"
	KindSYNFlood  Kind = "syn_flood"
	KindUDPFlood  Kind = "udp_flood"
	KindICMPFlood Kind = "icmp_flood"
	KindHTTPFlood Kind = "http_flood"
)

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindIdle, KindBenign, KindSYNFlood, KindUDPFlood, KindICMPFlood, KindHTTPFlood}
}

// ParseKind maps a configured kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown generator kind: '%s'", s)
}

// Outcome describes how one generator run ended.
type Outcome struct {
	Kind     Kind
	Started  time.Time
	Finished time.Time
	Elapsed  time.Duration
	// TimedOut is set when the run was ended by its duration budget, the
	// normal way for flood generators to finish.
	TimedOut bool
	Err      error
}

// Generator produces the traffic of one phase.
type Generator interface {
	Kind() Kind
	// Binary is the executable that must be resolvable before the run
	// starts, or "" when none is needed.
	Binary() string
	// Run blocks until the generator exits, duration elapses or ctx is done.
	Run(ctx context.Context, duration time.Duration) Outcome
}

// Params carries everything a factory needs to build a generator.
type Params struct {
	Phase  config.PhaseDef
	Config config.GeneratorsConfig
	Runner *hostexec.Runner
	Logger *zap.Logger
}

// Factory builds the generator of one kind.
type Factory func(p Params) (Generator, error)

var registry = make(map[Kind]Factory)

func register(kind Kind, f Factory) {
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("generator kind '%s' already registered", kind))
	}
	registry[kind] = f
}

// New builds the generator for the phase's configured kind.
func New(p Params) (Generator, error) {
	kind, err := ParseKind(p.Phase.Kind)
	if err != nil {
		return nil, fmt.Errorf("phase '%s': %w", p.Phase.Name, err)
	}
	factory, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("phase '%s': no generator registered for kind '%s'", p.Phase.Name, kind)
	}
	g, err := factory(p)
	if err != nil {
		return nil, fmt.Errorf("phase '%s': error creating %s generator: %w", p.Phase.Name, kind, err)
	}
	return g, nil
}
