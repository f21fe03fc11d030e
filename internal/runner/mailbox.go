package runner

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Mailbox is a cross-goroutine FIFO queue with a single logical consumer,
// generic over the tag type it carries (Command on the way in, Reply on the
// way out). Producers never block; SendMessage only appends and
// wakes a waiting consumer.
//
// Two consumption styles are supported on top of the same queue: Pump, an
// event-loop style callback that runs until ctx is cancelled, and
// WaitForMessage, a single pull used by code (runner.Thread) that blocks on
// one message at a time. Messages sent before either consumer starts are
// buffered, not lost — sendMessage never checks whether a consumer is
// attached.
type Mailbox[T any] struct {
	mu      sync.Mutex
	pending []T
	wake    chan struct{}
	closed  bool
}

// NewMailbox returns an empty, ready-to-use Mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{wake: make(chan struct{}, 1)}
}

func (m *Mailbox[T]) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SendMessage enqueues msg. It is safe to call from any goroutine,
// concurrently with any number of other SendMessage calls, before or after
// a consumer has attached. Sends after Close are silently dropped.
func (m *Mailbox[T]) SendMessage(msg T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, msg)
	m.mu.Unlock()
	m.notify()
}

func (m *Mailbox[T]) popLocked() (T, bool) {
	var zero T
	if len(m.pending) == 0 {
		return zero, false
	}
	msg := m.pending[0]
	m.pending = m.pending[1:]
	return msg, true
}

// WaitForMessage blocks until a message is available, returning it in FIFO
// order, or until ctx is cancelled.
func (m *Mailbox[T]) WaitForMessage(ctx context.Context) (T, error) {
	for {
		m.mu.Lock()
		msg, ok := m.popLocked()
		m.mu.Unlock()
		if ok {
			return msg, nil
		}
		select {
		case <-m.wake:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Pump drains the mailbox through handle, in FIFO order, until ctx is
// cancelled. Unlike WaitForMessage it is meant for a dedicated event-loop
// goroutine that never does anything else.
func (m *Mailbox[T]) Pump(ctx context.Context, handle func(T)) {
	for {
		for {
			m.mu.Lock()
			msg, ok := m.popLocked()
			m.mu.Unlock()
			if !ok {
				break
			}
			handle(msg)
		}
		select {
		case <-m.wake:
		case <-ctx.Done():
			return
		}
	}
}

// Close drains and discards any undelivered messages, logging one warning
// per drop, and makes subsequent SendMessage calls no-ops. Intended for the
// construct-then-drop shutdown path, where a runner is torn down without
// ever having consumed everything producers queued for it.
func (m *Mailbox[T]) Close(logger *zap.Logger) {
	m.mu.Lock()
	dropped := m.pending
	m.pending = nil
	m.closed = true
	m.mu.Unlock()
	if logger == nil {
		return
	}
	for range dropped {
		logger.Warn("dropping undelivered mailbox message")
	}
}
