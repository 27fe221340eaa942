package broute

import (
	"context"
	"errors"
	"fmt"
)

// ReadingSink receives every successfully decoded reading.
type ReadingSink interface {
	HandleReading(ctx context.Context, r PowerReading) error
}

// SinkFunc adapts a function to ReadingSink.
type SinkFunc func(ctx context.Context, r PowerReading) error

// HandleReading calls f.
func (f SinkFunc) HandleReading(ctx context.Context, r PowerReading) error {
	return f(ctx, r)
}

type namedSink struct {
	name string
	sink ReadingSink
}

// MultiSink delivers each reading to every registered sink in order.
// A failing sink does not prevent delivery to the others.
//
// Thread Safety: Add must not be called concurrently with HandleReading.
type MultiSink struct {
	sinks []namedSink
}

// NewMultiSink creates an empty fan-out sink.
func NewMultiSink() *MultiSink {
	return &MultiSink{}
}

// Add registers a sink under name. Nil sinks are ignored.
func (m *MultiSink) Add(name string, sink ReadingSink) {
	if sink == nil {
		return
	}
	m.sinks = append(m.sinks, namedSink{name: name, sink: sink})
}

// Len returns the number of registered sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// HandleReading delivers r to every sink and joins their errors.
func (m *MultiSink) HandleReading(ctx context.Context, r PowerReading) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.sink.HandleReading(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
