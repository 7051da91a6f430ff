// Package events carries the discrete occurrences the engine reports to
// its history collaborator.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetmon/internal/logging"
)

// Kind names an event type.
type Kind string

const (
	KindItemStopped      Kind = "item_stopped"
	KindReconnected      Kind = "reconnected"
	KindTargetOffline    Kind = "target_offline"
	KindRestartAttempted Kind = "restart_attempted"
)

// Event is one occurrence.
type Event struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	TargetID       string    `json:"target_id"`
	Item           string    `json:"item,omitempty"`
	Message        string    `json:"message,omitempty"`
	Success        *bool     `json:"success,omitempty"`
	OfflineSeconds float64   `json:"offline_seconds,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// New returns an event with a fresh id.
func New(kind Kind, targetID string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		TargetID:   targetID,
		OccurredAt: at,
	}
}

// Sink receives events. Emit must not block for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

// Emit implements Sink.
func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Async decouples emitters from a slow sink through a bounded queue.
// Events are dropped, with a warning, when the queue is full.
type Async struct {
	next   Sink
	queue  chan Event
	done   chan struct{}
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the delivery goroutine.
func NewAsync(next Sink, size int, logger *zap.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	a := &Async{
		next:   OrDiscard(next),
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
		logger: logging.OrNop(logger).Named("events"),
	}
	go a.run()
	return a
}

// Emit enqueues e without blocking. Emitting after Close is a no-op.
func (a *Async) Emit(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- e:
	default:
		a.logger.Warn("Event queue full, dropping event",
			zap.String("kind", string(e.Kind)),
			zap.String("target", e.TargetID))
	}
}

// Close drains the queue and stops the delivery goroutine.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		a.next.Emit(e)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
