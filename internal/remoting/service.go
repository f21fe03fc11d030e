// Package remoting implements the worker-side RemotingService: the mTLS
// RPC surface that bridges a runner.Thread and its port.Socket set to the
// outside world.
package remoting

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/zuri-project/zuri/internal/port"
	"github.com/zuri-project/zuri/internal/runner"
	"github.com/zuri-project/zuri/internal/transport"
	"github.com/zuri-project/zuri/internal/zuripb"
)

// Service implements zuripb.RemotingServiceServer over one runner.Thread and
// its declared set of protocol ports.
type Service struct {
	zuripb.UnimplementedRemotingServiceServer

	thread *runner.Thread
	logger *zap.Logger

	ports map[string]*port.Socket

	events *eventLog

	mu             sync.Mutex
	startSuspended bool
	readyPorts     map[string]bool
	resumeOnce     sync.Once
}

// NewService constructs a Service bound to thread, serving the given
// protocol-URL→Socket set. If startSuspended is true, the initial Resume is
// withheld until Communicate has been invoked at least once for every port
// in ports.
func NewService(thread *runner.Thread, ports map[string]*port.Socket, startSuspended bool, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		thread:         thread,
		logger:         logger.Named("remoting"),
		ports:          ports,
		events:         newEventLog(),
		startSuspended: startSuspended,
		readyPorts:     make(map[string]bool, len(ports)),
	}
}

// Run starts the runner thread and the reply-to-MonitorEvent translation
// loop; both stop when ctx is cancelled. If the service was not constructed
// with startSuspended, it issues the initial Resume immediately.
func (s *Service) Run(ctx context.Context) {
	go s.thread.Run(ctx)
	go s.pumpReplies(ctx)

	if !s.startSuspended {
		s.thread.Commands().SendMessage(runner.CommandResume)
	} else if len(s.ports) == 0 {
		// Nothing to wait on; the barrier is trivially satisfied.
		s.fireInitComplete()
	}
}

func (s *Service) pumpReplies(ctx context.Context) {
	for {
		reply, err := s.thread.Replies().WaitForMessage(ctx)
		if err != nil {
			return
		}
		state, code := monitorStateFor(reply)
		terminal := state.Terminal()
		s.events.append(zuripb.MonitorEvent{State: state, StatusCode: code, Timestamp: timestamppb.Now()}, terminal)
		if terminal {
			return
		}
	}
}

func monitorStateFor(r runner.Reply) (zuripb.MachineState, int32) {
	switch r.Kind {
	case runner.ReplyRunning:
		return zuripb.MachineStateRunning, 0
	case runner.ReplySuspended:
		return zuripb.MachineStateSuspended, 0
	case runner.ReplyCompleted:
		return zuripb.MachineStateCompleted, 0
	case runner.ReplyCancelled:
		return zuripb.MachineStateCancelled, 0
	case runner.ReplyFailure:
		return zuripb.MachineStateFailure, 1
	default:
		return zuripb.MachineStateFailure, 1
	}
}

// Done returns a channel closed once the runner has reached a terminal
// state and its final MonitorEvent has been recorded — the worker binary
// blocks on this to know when it may stop serving.
func (s *Service) Done() <-chan struct{} { return s.events.done }

// TerminalEvent returns the final MonitorEvent and true once Done has
// closed, or false while the machine is still live.
func (s *Service) TerminalEvent() (zuripb.MonitorEvent, bool) {
	return s.events.terminal()
}

// portReady records that Communicate has been invoked for url at least
// once, firing the init-complete barrier once every declared port has been.
func (s *Service) portReady(url string) {
	s.mu.Lock()
	s.readyPorts[url] = true
	complete := len(s.readyPorts) >= len(s.ports)
	s.mu.Unlock()

	if s.startSuspended && complete {
		s.fireInitComplete()
	}
}

func (s *Service) fireInitComplete() {
	s.resumeOnce.Do(func() {
		s.logger.Info("init-complete barrier satisfied, issuing initial resume")
		s.thread.Commands().SendMessage(runner.CommandResume)
	})
}

// Communicate implements the bidirectional protocol tunnel. The
// caller MUST set zuripb.ProtocolURLMetadataKey in the stream's initial
// metadata; Communicate looks up the matching Socket, attaches a
// transport.WriteQueue-backed writer for the outbound direction, and
// forwards every inbound frame's payload to the socket's Handle.
func (s *Service) Communicate(stream zuripb.RemotingService_CommunicateServer) error {
	url, err := protocolURLFromContext(stream.Context())
	if err != nil {
		return err
	}

	socket, ok := s.ports[url]
	if !ok {
		return status.Errorf(codes.NotFound, "remoting: no port registered for %q", url)
	}

	wq := transport.New(func(payload []byte) error {
		return stream.Send(&zuripb.Message{Version: zuripb.MessageVersion1, Data: payload})
	})
	writer := queueWriter{wq}

	if err := socket.Attach(writer); err != nil {
		return status.Errorf(codes.AlreadyExists, "remoting: %v", err)
	}
	defer func() {
		wq.Close()
		socket.Detach()
	}()

	s.portReady(url)

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		socket.Handle(msg.Data)
	}
}

// Monitor implements the lifecycle feed: every state transition
// is emitted exactly once, in order, and the stream closes after the
// terminal event. A Monitor call made after some transitions have already
// occurred still observes the full history from the beginning, then
// continues live — there is no "missed events" window.
func (s *Service) Monitor(_ *zuripb.Empty, stream zuripb.RemotingService_MonitorServer) error {
	idx := 0
	for {
		ev, ok, err := s.events.wait(stream.Context(), idx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := stream.Send(&ev); err != nil {
			return err
		}
		idx++
	}
}

// Suspend enqueues a Suspend command and returns immediately, before it
// takes effect — observers use Monitor for the actual transition.
func (s *Service) Suspend(_ context.Context, _ *zuripb.Empty) (*zuripb.RpcStatus, error) {
	s.thread.Commands().SendMessage(runner.CommandSuspend)
	return &zuripb.RpcStatus{Ok: true}, nil
}

// Resume enqueues a Resume command and returns immediately.
func (s *Service) Resume(_ context.Context, _ *zuripb.Empty) (*zuripb.RpcStatus, error) {
	s.thread.Commands().SendMessage(runner.CommandResume)
	return &zuripb.RpcStatus{Ok: true}, nil
}

// Terminate enqueues a Terminate command and returns immediately.
// Idempotent: a second Terminate after the first has already moved state
// to Shutdown is reported via the Shutdown→Completed reply, not an error.
func (s *Service) Terminate(_ context.Context, _ *zuripb.Empty) (*zuripb.RpcStatus, error) {
	s.thread.Commands().SendMessage(runner.CommandTerminate)
	return &zuripb.RpcStatus{Ok: true}, nil
}

func protocolURLFromContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "remoting: missing %s metadata", zuripb.ProtocolURLMetadataKey)
	}
	vals := md.Get(zuripb.ProtocolURLMetadataKey)
	if len(vals) == 0 || vals[0] == "" {
		return "", status.Errorf(codes.InvalidArgument, "remoting: missing %s metadata", zuripb.ProtocolURLMetadataKey)
	}
	return vals[0], nil
}

// queueWriter adapts a transport.WriteQueue to port.Writer.
type queueWriter struct{ q *transport.WriteQueue }

func (w queueWriter) Write(payload []byte) error { return w.q.Write(payload) }

// eventLog is an append-only, broadcast-on-append sequence of MonitorEvents
// that any number of Monitor calls can replay from their own cursor without
// ever dropping or duplicating an event — the mechanism that makes Monitor
// faithfulness hold regardless of how many subscribers exist or
// when they subscribe.
type eventLog struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []zuripb.MonitorEvent
	closed bool
	done   chan struct{}
}

func newEventLog() *eventLog {
	l := &eventLog{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *eventLog) append(ev zuripb.MonitorEvent, terminal bool) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	if terminal && !l.closed {
		l.closed = true
		close(l.done)
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

func (l *eventLog) terminal() (zuripb.MonitorEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed || len(l.events) == 0 {
		return zuripb.MonitorEvent{}, false
	}
	return l.events[len(l.events)-1], true
}

// wait blocks until the event at idx exists, the log has closed with fewer
// than idx+1 events (ok=false, the caller's stream should end), or ctx is
// cancelled.
func (l *eventLog) wait(ctx context.Context, idx int) (zuripb.MonitorEvent, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-done:
				l.mu.Lock()
				l.cond.Broadcast()
				l.mu.Unlock()
			case <-stop:
			}
		}()
	}

	for idx >= len(l.events) && !l.closed {
		if err := ctx.Err(); err != nil {
			return zuripb.MonitorEvent{}, false, err
		}
		l.cond.Wait()
	}

	if idx < len(l.events) {
		return l.events[idx], true, nil
	}
	return zuripb.MonitorEvent{}, false, nil
}
