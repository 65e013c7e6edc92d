package model

// EventPublisher defines a generic interface for announcing phase transitions.
type EventPublisher interface {
	PublishPhase(event PhaseEvent) error
	Close()
}
