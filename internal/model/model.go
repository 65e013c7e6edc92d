package model

import (
	"net"
	"time"
)

const (
	// LabelNormal is the multi-class label of benign traffic.
	LabelNormal = "normal"
	// LabelUnlabeled is returned for timestamps outside every tracked interval.
	LabelUnlabeled = "unlabeled"
)

// BinaryLabel maps a multi-class label to its binary form: 0 for normal traffic, 1 otherwise.
func BinaryLabel(label string) int {
	if label == LabelNormal {
		return 0
	}
	return 1
}

// LabelInterval is one labeled time window of a timeline. End is nil while the interval is open.
type LabelInterval struct {
	Start time.Time
	End   *time.Time
	Label string
}

// IsOpen reports whether the interval has not been closed yet.
func (li LabelInterval) IsOpen() bool {
	return li.End == nil
}

// Contains reports whether t falls inside [Start, End).
func (li LabelInterval) Contains(t time.Time) bool {
	if t.Before(li.Start) {
		return false
	}
	return li.End == nil || t.Before(*li.End)
}

// FlowSample is one polled snapshot of a switch flow entry, labeled at poll time.
type FlowSample struct {
	Timestamp    time.Time
	SwitchID     uint64
	TableID      uint32
	Cookie       uint64
	Priority     uint32
	InPort       string
	EthSrc       string
	EthDst       string
	OutPort      string
	PacketCount  uint64
	ByteCount    uint64
	DurationSec  uint64
	DurationNsec uint64
	AvgPktSize   float64
	PktRate      float64
	ByteRate     float64
	LabelMulti   string
	LabelBinary  int
}

// Duration returns the flow lifetime reported by the switch.
func (s *FlowSample) Duration() time.Duration {
	return time.Duration(s.DurationSec)*time.Second + time.Duration(s.DurationNsec)
}

// DeriveRates fills the derived columns. Each rate is only computed when its
// inputs are positive; otherwise it stays zero.
func (s *FlowSample) DeriveRates() {
	s.AvgPktSize, s.PktRate, s.ByteRate = 0, 0, 0
	if s.PacketCount > 0 {
		s.AvgPktSize = float64(s.ByteCount) / float64(s.PacketCount)
	}
	secs := s.Duration().Seconds()
	if secs > 0 {
		if s.PacketCount > 0 {
			s.PktRate = float64(s.PacketCount) / secs
		}
		if s.ByteCount > 0 {
			s.ByteRate = float64(s.ByteCount) / secs
		}
	}
}

// SetLabel assigns both label columns so they can never disagree.
func (s *FlowSample) SetLabel(label string) {
	s.LabelMulti = label
	s.LabelBinary = BinaryLabel(label)
}

// RawPacketRecord holds the header fields decoded from one captured packet.
type RawPacketRecord struct {
	Timestamp     time.Time
	Length        int
	CaptureLength int
	SrcMAC        net.HardwareAddr
	DstMAC        net.HardwareAddr
	EtherType     uint16
	SrcIP         net.IP
	DstIP         net.IP
	Protocol      uint8
	TTL           uint8
	SrcPort       uint16
	DstPort       uint16
	TCPFlags      uint8
}

// LabeledFeatureRow is a packet record with its labels, produced once by the offline pipeline.
type LabeledFeatureRow struct {
	RawPacketRecord
	SourceFile  string
	LabelMulti  string
	LabelBinary int
}

// NewLabeledRow builds a row whose binary label always agrees with the multi-class one.
func NewLabeledRow(rec RawPacketRecord, source, label string) LabeledFeatureRow {
	return LabeledFeatureRow{
		RawPacketRecord: rec,
		SourceFile:      source,
		LabelMulti:      label,
		LabelBinary:     BinaryLabel(label),
	}
}

// PhaseEvent describes a scenario phase transition.
type PhaseEvent struct {
	RunID    string
	Phase    string
	Label    string
	Kind     string
	Event    string // "start" or "end"
	At       time.Time
	Elapsed  time.Duration
	ErrorMsg string
}
