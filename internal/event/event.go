// Package event defines the outbound events the engine emits toward the
// conflict/notification sink. The sink itself is an external collaborator;
// this package carries the contract plus a logging implementation and a
// recording implementation for tests.
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the engine.
const (
	TypeMergeConflictDetected  = "MergeConflictDetected"
	TypeDriftDetected          = "DriftDetected"
	TypeDeploymentStateChanged = "DeploymentStateChanged"
	TypeRetrofitLagExceeded    = "RetrofitLagExceeded"
)

// Event is a single outbound notification. Fields carry the operation
// context (track, environment, commit, job ids) as flat key/value pairs so
// sinks can route without knowing internal types.
type Event struct {
	Type   string
	At     time.Time
	Fields map[string]string
}

// Sink consumes outbound events. Emit must not block the calling operation
// for long; slow consumers should buffer internally.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SlogSink writes every event to structured logs. This is the default sink
// when no external notification collaborator is wired.
type SlogSink struct{}

// Emit implements Sink.
func (SlogSink) Emit(_ context.Context, ev Event) {
	attrs := make([]any, 0, 2+2*len(ev.Fields))
	attrs = append(attrs, "event", ev.Type)
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	slog.Info("event emitted", attrs...)
}

// Recorder captures events in memory for assertions.
//
// Thread-safe: Emit may be called from any goroutine.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events matching the given type.
func (r *Recorder) OfType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
