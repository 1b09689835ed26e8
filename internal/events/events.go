// Package events carries the internal event stream that feeds the call
// quality monitor. Producers attach the call identity to every event at
// emission time; there is no process-wide "current call" state.
package events

import (
	"context"
	"sync"
	"time"
)

// Type enumerates the emitted event kinds.
type Type string

const (
	// Dialog lifecycle (facade + fragmenter).
	DialogTurnStart      Type = "dialog_turn_start"
	FragmentProcessing   Type = "fragment_processing"
	FirstResponseLatency Type = "first_response_latency"
	DialogPause          Type = "dialog_pause"
	DialogTurnEnd        Type = "dialog_turn_end"

	// FragmentRetried warns that a fragment was retried on a fallback
	// provider after chunks from the failing provider were already yielded.
	FragmentRetried Type = "fragment_retried"

	// Synthesis (providers via the facade).
	SynthesisStarted   Type = "synthesis_started"
	SynthesisCompleted Type = "synthesis_completed"
	SynthesisFailed    Type = "synthesis_failed"
	CacheHit           Type = "cache_hit"

	// Carrier streaming sessions.
	SessionStarted   Type = "session_started"
	ChunkUploaded    Type = "chunk_uploaded"
	SessionError     Type = "session_error"
	SessionCompleted Type = "session_completed"

	// BufferOverflow signals a rejected chunk on a session buffer.
	BufferOverflow Type = "buffer_overflow"
)

// Event is one observation. CallID is always set by the producer.
type Event struct {
	Type     Type
	CallID   string
	Provider string
	At       time.Time
	Duration time.Duration
	Bytes    int
	Detail   string
	Err      string
}

// Handler consumes events. Handlers run synchronously on the producer's
// goroutine and must return quickly.
type Handler func(Event)

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers a handler and returns its removal function.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers e to every subscriber. A zero At is stamped with now.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(e)
	}
}

// callIDKey carries the call identity through a context.
type callIDKey struct{}

// WithCallID returns a context carrying the call identifier for operations
// that may emit events.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallID extracts the call identifier from ctx, or "".
func CallID(ctx context.Context) string {
	if v, ok := ctx.Value(callIDKey{}).(string); ok {
		return v
	}
	return ""
}
