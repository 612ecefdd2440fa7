// Package queue implements the bounded MPMC dispatch queue that carries
// async-published message tuples between producers (PublishAsync
// callers) and the DispatcherPool's workers (spec.md §4.5).
package queue

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// Arity tags how many inline message slots an Envelope carries.
type Arity uint8

const (
	Arity1 Arity = iota
	Arity2
	Arity3
	ArityN
)

// Envelope is the tagged union transferred through the queue: up to
// three inline slots avoid allocating a backing array for the common
// 1–3 arity case, with an Items slice only populated for ArityN
// (spec.md §9: "avoid boxing per call").
type Envelope struct {
	ID         ulid.ULID
	Kind       Arity
	I1, I2, I3 any
	Items      []any // valid iff Kind == ArityN
}

// Messages returns the envelope's payload as a slice, regardless of how
// it was tagged, for uniform handling by the matcher.
func (e Envelope) Messages() []any {
	switch e.Kind {
	case Arity1:
		return []any{e.I1}
	case Arity2:
		return []any{e.I1, e.I2}
	case Arity3:
		return []any{e.I1, e.I2, e.I3}
	default:
		return e.Items
	}
}

// Queue is a bounded multi-producer/multi-consumer channel carrying
// Envelopes. Capacity is rounded up to the next power of two. FIFO is
// preserved per producer; cross-producer ordering is unspecified, as
// Go channels already guarantee (spec.md §4.5).
type Queue struct {
	ch chan Envelope
}

// New creates a queue with the given capacity, rounded up to a power of
// two (minimum 2).
func New(capacity int) *Queue {
	return &Queue{ch: make(chan Envelope, roundUpPow2(capacity))}
}

// Transfer enqueues env, blocking if the queue is full. Returns
// ctx.Err() if ctx is cancelled first — the Go analogue of an
// interrupted blocking put (spec.md §4.5).
func (q *Queue) Transfer(ctx context.Context, env Envelope) error {
	select {
	case q.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take blocks until an envelope is available, returning it by value.
// Returns ctx.Err() if ctx is cancelled first, and ok=false if the
// queue has been closed and drained.
func (q *Queue) Take(ctx context.Context) (env Envelope, ok bool, err error) {
	select {
	case env, open := <-q.ch:
		return env, open, nil
	case <-ctx.Done():
		return Envelope{}, false, ctx.Err()
	}
}

// HasPendingMessages reports whether the queue is non-empty. This is a
// snapshot and is explicitly advisory, not authoritative (spec.md
// §4.5).
func (q *Queue) HasPendingMessages() bool {
	return len(q.ch) > 0
}

// Len reports the number of envelopes currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel. Envelopes still buffered at
// close time are returned by Take until the channel is drained; after
// that Take reports ok=false.
func (q *Queue) Close() {
	close(q.ch)
}

func roundUpPow2(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
