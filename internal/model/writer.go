package model

import "context"

// SampleSink defines a generic destination for labeled flow samples.
type SampleSink interface {
	// WriteSamples persists a batch of samples. Implementations must not retain the slice.
	WriteSamples(ctx context.Context, samples []FlowSample) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// RowSink defines a generic destination for labeled packet rows.
type RowSink interface {
	WriteRows(ctx context.Context, rows []LabeledFeatureRow) error
	Close() error
}
