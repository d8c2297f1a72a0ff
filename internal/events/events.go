// Package events carries live workflow progress to transports.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Type categorizes stream events.
type Type string

const (
	// TypeStageStart marks the beginning of a stage.
	TypeStageStart Type = "stage_start"
	// TypeStageEnd marks the end of a stage. All of its tokens precede it.
	TypeStageEnd Type = "stage_end"
	// TypeToken carries one streamed model chunk.
	TypeToken Type = "token"
	// TypeState carries a compact snapshot of session progress.
	TypeState Type = "state"
	// TypeScore carries a scoring record.
	TypeScore Type = "score"
	// TypeSummary carries a stage summary.
	TypeSummary Type = "summary"
)

// Event is a single progress notification.
type Event struct {
	ID        int64          `json:"id,omitempty"`
	SessionID string         `json:"session_id"`
	Type      Type           `json:"type"`
	Stage     string         `json:"stage,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Time      time.Time      `json:"ts"`
}

// Emitter receives events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, Event) error { return nil })

type multi []Emitter

// Multi fans each event out to every non-nil emitter in order. All emitters
// are attempted; the joined error is returned.
func Multi(emitters ...Emitter) Emitter {
	var out multi
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (m multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
