// Package port bridges a worker's in-process interpreter port to a
// Communicate stream. A Socket is opaque to message content: it
// moves byte payloads between an inbound queue an interpreter drains and a
// writer an attached transport provides.
package port

import (
	"errors"
	"sync"
)

// ErrAlreadyAttached is returned by Attach when a writer is already bound.
var ErrAlreadyAttached = errors.New("port: already attached")

// ErrNotAttached is returned by Send when no writer is bound.
var ErrNotAttached = errors.New("port: not attached")

// Writer is the non-owning handle a Communicate stream adapter passes into
// Attach. Socket never calls back into the adapter except through this
// interface, and drops the handle entirely on Detach.
type Writer interface {
	Write(payload []byte) error
}

// Socket is the duplex port bridge: a lazily-drained
// inbound queue plus an attach/detach lifecycle for its outbound writer.
// Safe for concurrent use; Handle is typically called from a transport's
// read loop while Send is called from the interpreter side.
type Socket struct {
	mu      sync.Mutex
	writer  Writer
	inbound [][]byte
	wake    chan struct{}
}

// New returns an idle, unattached Socket.
func New() *Socket {
	return &Socket{wake: make(chan struct{}, 1)}
}

// Attach binds writer as this socket's outbound path. Fails with
// ErrAlreadyAttached if a writer is already live — only one Communicate
// call may be bound to a protocol URL at a time.
func (s *Socket) Attach(writer Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return ErrAlreadyAttached
	}
	s.writer = writer
	return nil
}

// Detach clears the bound writer, releasing the socket back to idle. Safe
// to call even if nothing is attached.
func (s *Socket) Detach() {
	s.mu.Lock()
	s.writer = nil
	s.mu.Unlock()
}

// Attached reports whether a writer is currently bound.
func (s *Socket) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer != nil
}

// Handle is invoked by the transport adapter for each inbound frame; it
// copies the payload into the socket's inbound queue for the interpreter
// side to drain via Recv.
func (s *Socket) Handle(payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	s.mu.Lock()
	s.inbound = append(s.inbound, cp)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recv blocks until at least one inbound message is queued, then returns
// the oldest one. There is no context-aware variant because the
// interpreter side (out of scope) is expected to poll its own
// cancellation separately; callers needing cancellation should race this
// against their own channel using TryRecv in a loop.
func (s *Socket) Recv() []byte {
	for {
		if msg, ok := s.TryRecv(); ok {
			return msg
		}
		<-s.wake
	}
}

// TryRecv returns the oldest queued inbound message without blocking.
func (s *Socket) TryRecv() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbound) == 0 {
		return nil, false
	}
	msg := s.inbound[0]
	s.inbound = s.inbound[1:]
	return msg, true
}

// Send is invoked by the port's upper half (the interpreter side) to push
// an outbound message through the attached writer. Fails with
// ErrNotAttached if nothing is bound.
func (s *Socket) Send(payload []byte) error {
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w == nil {
		return ErrNotAttached
	}
	return w.Write(payload)
}
