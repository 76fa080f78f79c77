// Package events carries live execution events, such as agent output
// lines and lifecycle transitions, to observers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Kind classifies an event.
type Kind string

const (
	KindStdout    Kind = "stdout"
	KindStderr    Kind = "stderr"
	KindPhase     Kind = "phase"
	KindCompleted Kind = "completed"
)

// Event is one observable occurrence during an execution.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	Agent       string    `json:"agent,omitempty"`
	Kind        Kind      `json:"kind"`
	Line        string    `json:"line,omitempty"`
	Phase       string    `json:"phase,omitempty"`
	Status      string    `json:"status,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(context.Context, Event) error { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a snapshot of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Lines returns the text of recorded events of the given kind, in order.
func (r *Recorder) Lines(kind Kind) []string {
	var out []string
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e.Line)
		}
	}
	return out
}

// Multi fans each event out to every sink.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return multi(live)
}

type multi []Sink

func (m multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriterSink prints agent output lines to w as they arrive. Other kinds
// are ignored.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a WriterSink.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Emit(_ context.Context, e Event) error {
	if e.Kind != KindStdout && e.Kind != KindStderr {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "[%s %s] %s\n", e.Agent, e.Kind, e.Line)
	return err
}

// NATSSink publishes events as JSON to {prefix}.{execution_id}.{kind}.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSSink creates a sink on an existing connection.
func NewNATSSink(nc *nats.Conn, prefix string, logger *zap.Logger) (*NATSSink, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = "execbridge"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject an event is published to.
func (s *NATSSink) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, e.ExecutionID, e.Kind)
}

// Emit publishes the event. Publishing is fire-and-forget; delivery is not
// confirmed.
func (s *NATSSink) Emit(_ context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := s.Subject(e)
	if err := s.nc.Publish(subject, data); err != nil {
		s.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	return nil
}

// Connect dials a NATS server and returns a sink that owns the connection.
// Close the returned connection when done. opts are appended to the
// defaults.
func Connect(url, prefix string, logger *zap.Logger, opts ...nats.Option) (*NATSSink, *nats.Conn, error) {
	nc, err := nats.Connect(url, append([]nats.Option{
		nats.Name("execbridge"),
		nats.MaxReconnects(-1),
	}, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	sink, err := NewNATSSink(nc, prefix, logger)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return sink, nc, nil
}
