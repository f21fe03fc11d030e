// Package transport implements the pending-write queue a Communicate
// stream adapter maintains in front of a gRPC stream: at most
// one in-flight write, strict FIFO, drained before detach.
package transport

import (
	"errors"
	"sync"
)

// errClosed is the terminal error Write reports after a plain Close, when no
// send has failed.
var errClosed = errors.New("transport: write queue closed")

// closeDrained is split out so every q.closeDrained() call, regardless of
// which goroutine reaches it (pump's empty-queue path, pump's send-error
// path, or a Close call on an already-idle queue), goes through the same
// sync.Once and can never double-close the channel.
func (q *WriteQueue) closeDrained() {
	q.drainedOnce.Do(func() { close(q.drained) })
}

// Sender performs the actual blocking send for one message. Implementations
// are typically a thin wrapper around grpc.ServerStream.SendMsg or
// grpc.ClientStream.SendMsg.
type Sender func(payload []byte) error

// WriteQueue serializes concurrent Write calls into a single in-flight
// send at a time, in the order Write was called. The zero value is not
// usable; construct with New.
type WriteQueue struct {
	send Sender

	mu          sync.Mutex
	pending     [][]byte
	active      bool
	closed      bool
	err         error
	drained     chan struct{}
	drainedOnce sync.Once
}

// New returns a WriteQueue that drives sends through send.
func New(send Sender) *WriteQueue {
	return &WriteQueue{send: send, drained: make(chan struct{})}
}

// Write enqueues payload. If no write is currently in flight it starts one
// immediately on the caller's goroutine; otherwise it returns once queued
// and a previously-started pump drains it later. Write after Close returns
// the queue's terminal error.
func (q *WriteQueue) Write(payload []byte) error {
	q.mu.Lock()
	if q.closed {
		err := q.err
		q.mu.Unlock()
		if err == nil {
			err = errClosed
		}
		return err
	}
	q.pending = append(q.pending, payload)
	if q.active {
		q.mu.Unlock()
		return nil
	}
	q.active = true
	q.mu.Unlock()

	q.pump()
	return nil
}

// pump sends the queue head, then the new head, until the queue empties or
// a send fails; a Close in the meantime does not stop it. Only one goroutine ever runs pump at a time: the
// caller that transitioned active from false to true owns the pump until
// it sees an empty queue.
func (q *WriteQueue) pump() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.active = false
			closed := q.closed
			q.mu.Unlock()
			if closed {
				q.closeDrained()
			}
			return
		}
		msg := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.send(msg); err != nil {
			q.mu.Lock()
			q.closed = true
			q.err = err
			q.pending = nil
			q.active = false
			q.mu.Unlock()
			q.closeDrained()
			return
		}
	}
}

// Close marks the queue closed once it drains whatever is currently
// pending; no further Write calls are accepted afterward. Close blocks
// until the queue has actually drained, matching the "queue drained before
// detach" invariant.
func (q *WriteQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if !q.active && len(q.pending) == 0 {
		q.closed = true
		q.mu.Unlock()
		q.closeDrained()
		return
	}
	q.closed = true
	q.mu.Unlock()
	<-q.drained
}
