package emit

import (
	"context"
	"sync"
	"sync/atomic"
)

// OverflowPolicy decides what happens when a stream's buffer is full and the
// producer has another event to deliver.
type OverflowPolicy int

const (
	// Block suspends the producing superstep until the consumer advances.
	// This is the default: no event is ever lost, at the cost of coupling
	// engine progress to consumer progress.
	Block OverflowPolicy = iota

	// DropOldest discards the oldest buffered event to make room.
	DropOldest

	// DropNewest discards the incoming event.
	DropNewest
)

// Stream is the lazy, ordered, finite event sequence of one run.
//
// The engine publishes into the stream as supersteps complete; the caller
// pulls from Events. The buffer is bounded: with the Block policy the engine
// applies backpressure by suspending between supersteps, with the drop
// policies it discards events and counts them in Dropped.
//
// Events is closed when the run finishes; Err then reports the run's
// outcome. A Stream belongs to exactly one run and one consumer.
type Stream struct {
	ch      chan Event
	policy  OverflowPolicy
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
	err    error
	done   chan struct{}
}

// NewStream creates a stream with the given buffer capacity and overflow
// policy. Capacity below 1 is raised to 1 so drop policies always have a
// slot to rotate.
func NewStream(capacity int, policy OverflowPolicy) *Stream {
	if capacity < 1 {
		capacity = 1
	}
	return &Stream{
		ch:     make(chan Event, capacity),
		policy: policy,
		done:   make(chan struct{}),
	}
}

// Events returns the channel the caller ranges over. It is closed when the
// run completes, fails, or is interrupted; check Err afterwards.
func (s *Stream) Events() <-chan Event { return s.ch }

// Err returns the run's terminal error, nil for a completed run. Valid once
// Events is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped reports how many events were discarded under a drop policy.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Publish delivers an event to the consumer according to the overflow
// policy. Under Block it suspends until there is room, the context is
// cancelled, or the stream is closed. Publish is engine-side API; callers
// consuming a stream never publish into it.
func (s *Stream) Publish(ctx context.Context, ev Event) error {
	switch s.policy {
	case DropOldest:
		for {
			select {
			case s.ch <- ev:
				return nil
			default:
			}
			select {
			case <-s.ch:
				s.dropped.Add(1)
			default:
			}
		}
	case DropNewest:
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
		return nil
	default: // Block
		select {
		case s.ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		}
	}
}

// Close finishes the stream with the run's terminal error. Safe to call
// once per run; later calls are no-ops.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	close(s.ch)
}

// tokenSinkKey carries the per-task token publisher through node contexts.
type tokenSinkKey struct{}

// WithTokenSink returns a context whose node invocations can publish token
// events via EmitToken. The engine installs this before each task when the
// run streams tokens.
func WithTokenSink(ctx context.Context, sink func(any)) context.Context {
	return context.WithValue(ctx, tokenSinkKey{}, sink)
}

// EmitToken publishes a token-level sub-event from inside a node. It is a
// no-op when the current run is not streaming tokens, so nodes can emit
// unconditionally.
func EmitToken(ctx context.Context, v any) {
	if sink, ok := ctx.Value(tokenSinkKey{}).(func(any)); ok && sink != nil {
		sink(v)
	}
}
