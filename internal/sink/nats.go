package sink

import (
	"context"
	"fmt"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/model"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var _ model.EventPublisher = (*Publisher)(nil)

// Publisher announces phase transitions and sample batches on NATS. Payloads
// are protobuf-encoded google.protobuf.Struct messages.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewPublisher connects to the configured NATS server.
func NewPublisher(cfg config.NATSConfig, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("go2netlabel"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	logger = logger.Named("nats")
	logger.Info("Connected to NATS server", zap.String("url", cfg.URL), zap.String("subject", cfg.Subject))
	return &Publisher{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// PhaseSubject is the subject phase events are published on.
func (p *Publisher) PhaseSubject() string { return p.subject + ".phase" }

// SampleSubject is the subject sample batches are published on.
func (p *Publisher) SampleSubject() string { return p.subject + ".samples" }

// PublishPhase implements model.EventPublisher.
func (p *Publisher) PublishPhase(event model.PhaseEvent) error {
	data, err := encodePhase(event)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.PhaseSubject(), data)
}

// WriteSamples implements model.SampleSink by publishing the batch as one
// message.
func (p *Publisher) WriteSamples(_ context.Context, samples []model.FlowSample) error {
	if len(samples) == 0 {
		return nil
	}
	data, err := encodeSamples(samples)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.SampleSubject(), data)
}

// Close drains and closes the NATS connection. It satisfies both
// model.EventPublisher and model.SampleSink, so a second call is a no-op.
func (p *Publisher) Close() {
	if p.nc == nil || p.nc.IsClosed() || p.nc.IsDraining() {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		return
	}
	p.logger.Info("NATS connection drained and closed")
}

// SampleSink adapts the publisher to model.SampleSink, whose Close returns an
// error.
func (p *Publisher) SampleSink() model.SampleSink { return sampleSink{p} }

type sampleSink struct{ p *Publisher }

func (s sampleSink) WriteSamples(ctx context.Context, samples []model.FlowSample) error {
	return s.p.WriteSamples(ctx, samples)
}

func (s sampleSink) Close() error {
	s.p.Close()
	return nil
}

func phaseFields(e model.PhaseEvent) map[string]any {
	m := map[string]any{
		"run_id": e.RunID,
		"phase":  e.Phase,
		"label":  e.Label,
		"kind":   e.Kind,
		"event":  e.Event,
		"at":     model.FormatUnix(e.At),
	}
	if e.Event == "end" {
		m["elapsed_s"] = e.Elapsed.Seconds()
	}
	if e.ErrorMsg != "" {
		m["error"] = e.ErrorMsg
	}
	return m
}

func sampleFields(s model.FlowSample) map[string]any {
	return map[string]any{
		"timestamp":    model.FormatUnix(s.Timestamp),
		"switch_id":    s.SwitchID,
		"table_id":     s.TableID,
		"cookie":       s.Cookie,
		"priority":     s.Priority,
		"in_port":      s.InPort,
		"eth_src":      s.EthSrc,
		"eth_dst":      s.EthDst,
		"out_port":     s.OutPort,
		"packet_count": s.PacketCount,
		"byte_count":   s.ByteCount,
		"duration_s":   s.Duration().Seconds(),
		"avg_pkt_size": s.AvgPktSize,
		"pkt_rate":     s.PktRate,
		"byte_rate":    s.ByteRate,
		"label_multi":  s.LabelMulti,
		"label_binary": s.LabelBinary,
	}
}

func encodePhase(e model.PhaseEvent) ([]byte, error) {
	st, err := structpb.NewStruct(phaseFields(e))
	if err != nil {
		return nil, fmt.Errorf("failed to build phase event: %w", err)
	}
	return proto.Marshal(st)
}

func encodeSamples(samples []model.FlowSample) ([]byte, error) {
	list := make([]any, len(samples))
	for i, s := range samples {
		list[i] = sampleFields(s)
	}
	st, err := structpb.NewStruct(map[string]any{
		"count":   len(samples),
		"samples": list,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build sample batch: %w", err)
	}
	return proto.Marshal(st)
}
