// Package audiobridge adapts push-style audio delivery (socket frames arriving at
// arbitrary times) to the pull-style audio source a streaming backend reads from.
//
// A Queue has exactly one producer and one consumer. The producer calls Push for
// every chunk and SignalEnd once; the consumer calls Next (or ranges over Chunks)
// and blocks while nothing is pending.
package audiobridge

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"
)

var (
	// ErrEnded is returned by Push once the end of the stream has been signaled.
	// The chunk is dropped and the queue is left untouched.
	ErrEnded = errors.New("audiobridge: stream already ended")

	// ErrClosed is returned by Push and Next after Close.
	ErrClosed = errors.New("audiobridge: queue closed")

	// ErrConcurrentPull is returned when Next is called while another Next is
	// still blocked. The queue supports a single consumer.
	ErrConcurrentPull = errors.New("audiobridge: concurrent pull on single-consumer queue")
)

type item struct {
	chunk []byte
	eos   bool
}

// Queue is an ordered, single-producer/single-consumer, blocking-pull buffer of
// audio chunks terminated by an end-of-stream marker.
type Queue struct {
	mu       sync.Mutex
	items    []item
	ended    bool // end marker enqueued
	drained  bool // end marker dequeued
	closed   bool
	maxDepth int

	ready     chan struct{} // wakes a consumer blocked on an empty queue
	space     chan struct{} // wakes a producer blocked on a full queue
	done      chan struct{}
	closeOnce sync.Once

	pulling atomic.Bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxDepth caps the number of pending chunks. When the cap is reached Push
// blocks until the consumer takes a chunk or the queue is closed. Zero or a
// negative value means unbounded.
func WithMaxDepth(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxDepth = n
		}
	}
}

// New creates an empty Queue. Without options it buffers without limit.
func New(opts ...Option) *Queue {
	q := &Queue{
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push appends chunk to the tail of the queue and wakes a blocked consumer.
// Ownership of chunk passes to the queue; the caller must not modify it.
// Empty chunks are ignored. Chunks pushed after SignalEnd are rejected with
// ErrEnded and never reach the consumer.
func (q *Queue) Push(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.ended {
			q.mu.Unlock()
			return ErrEnded
		}
		if q.maxDepth == 0 || len(q.items) < q.maxDepth {
			break
		}
		q.mu.Unlock()
		select {
		case <-q.space:
		case <-q.done:
		}
		q.mu.Lock()
	}
	q.items = append(q.items, item{chunk: chunk})
	q.mu.Unlock()

	notify(q.ready)
	return nil
}

// SignalEnd appends the end-of-stream marker and wakes a blocked consumer.
// Only the first call has an effect; it reports whether the marker was added.
func (q *Queue) SignalEnd() bool {
	q.mu.Lock()
	if q.closed || q.ended {
		q.mu.Unlock()
		return false
	}
	q.ended = true
	q.items = append(q.items, item{eos: true})
	q.mu.Unlock()

	notify(q.ready)
	return true
}

// Next removes and returns the chunk at the head of the queue, blocking until
// one is available. It returns io.EOF once the end marker has been reached,
// and keeps returning io.EOF afterwards.
func (q *Queue) Next(ctx context.Context) ([]byte, error) {
	if !q.pulling.CompareAndSwap(false, true) {
		return nil, ErrConcurrentPull
	}
	defer q.pulling.Store(false)

	for {
		q.mu.Lock()
		if q.drained {
			q.mu.Unlock()
			return nil, io.EOF
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.items) > 0 {
			head := q.items[0]
			q.items[0] = item{}
			q.items = q.items[1:]
			if head.eos {
				q.drained = true
				q.items = nil
			}
			q.mu.Unlock()

			notify(q.space)
			if head.eos {
				return nil, io.EOF
			}
			return head.chunk, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Chunks returns the queue contents as a lazy sequence. Iteration pulls one
// chunk at a time through Next and stops silently at the end marker. If the
// pull fails (context cancelled, queue closed) the error is yielded once with
// a nil chunk and iteration stops. The sequence cannot be restarted: once the
// end marker has been consumed, ranging over it again yields nothing.
func (q *Queue) Chunks(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			chunk, err := q.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Close aborts the queue: pending chunks are discarded and any blocked Push or
// Next returns ErrClosed. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}

// Len returns the number of chunks waiting to be pulled. The end marker is
// not counted.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n > 0 && q.items[n-1].eos {
		n--
	}
	return n
}

// Ended reports whether SignalEnd has been called.
func (q *Queue) Ended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ended
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
