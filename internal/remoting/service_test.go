package remoting

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/zuri-project/zuri/internal/interpreter"
	"github.com/zuri-project/zuri/internal/port"
	"github.com/zuri-project/zuri/internal/runner"
	"github.com/zuri-project/zuri/internal/zuripb"
)

// startService serves svc on an in-memory listener and returns a connected
// client. TLS is exercised elsewhere; these tests are about stream
// semantics, not the handshake.
func startService(t *testing.T, svc *Service) zuripb.RemotingServiceClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	zuripb.RegisterRemotingServiceServer(srv, svc)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return zuripb.NewRemotingServiceClient(conn)
}

func TestMonitorFaithfulness(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	thread := runner.NewThread(interpreter.Immediate(int64(42), nil), zap.NewNop())
	svc := NewService(thread, nil, false, zap.NewNop())
	client := startService(t, svc)
	svc.Run(ctx)

	stream, err := client.Monitor(ctx, &zuripb.Empty{})
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}

	var states []zuripb.MachineState
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Monitor recv: %v", err)
		}
		states = append(states, ev.State)
	}

	want := []zuripb.MachineState{zuripb.MachineStateRunning, zuripb.MachineStateCompleted}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestMonitorReplaysHistoryToLateSubscriber(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	thread := runner.NewThread(interpreter.Immediate(nil, nil), zap.NewNop())
	svc := NewService(thread, nil, false, zap.NewNop())
	client := startService(t, svc)
	svc.Run(ctx)

	<-svc.Done()

	stream, err := client.Monitor(ctx, &zuripb.Empty{})
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("Monitor recv: %v", err)
	}
	if first.State != zuripb.MachineStateRunning {
		t.Errorf("late subscriber's first event = %v, want Running", first.State)
	}
}

func TestTerminateYieldsCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	thread := runner.NewThread(interpreter.Blocking(), zap.NewNop())
	svc := NewService(thread, nil, false, zap.NewNop())
	client := startService(t, svc)
	svc.Run(ctx)

	stream, err := client.Monitor(ctx, &zuripb.Empty{})
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	ev, err := stream.Recv()
	if err != nil {
		t.Fatalf("Monitor recv: %v", err)
	}
	if ev.State != zuripb.MachineStateRunning {
		t.Fatalf("first state = %v, want Running", ev.State)
	}

	if _, err := client.Terminate(ctx, &zuripb.Empty{}); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	ev, err = stream.Recv()
	if err != nil {
		t.Fatalf("Monitor recv: %v", err)
	}
	if ev.State != zuripb.MachineStateCancelled {
		t.Errorf("terminal state = %v, want Cancelled", ev.State)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("stream after terminal event: %v, want EOF", err)
	}
}

func TestEchoCommunicate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const protoURL = "dev.zuri.proto:null"
	sock := port.New()
	thread := runner.NewThread(interpreter.Blocking(), zap.NewNop())
	svc := NewService(thread, map[string]*port.Socket{protoURL: sock}, false, zap.NewNop())
	client := startService(t, svc)
	svc.Run(ctx)

	// Worker-side echo: whatever lands in the port's inbound queue goes
	// straight back out.
	go func() {
		for {
			msg, ok := sock.TryRecv()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Millisecond):
				}
				continue
			}
			if err := sock.Send(msg); err != nil {
				return
			}
		}
	}()

	streamCtx := metadata.AppendToOutgoingContext(ctx, zuripb.ProtocolURLMetadataKey, protoURL)
	stream, err := client.Communicate(streamCtx)
	if err != nil {
		t.Fatalf("Communicate: %v", err)
	}

	if err := stream.Send(&zuripb.Message{Version: zuripb.MessageVersion1, Data: []byte("hello world")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	reply, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(reply.Data) != "hello world" {
		t.Errorf("echoed %q, want %q", reply.Data, "hello world")
	}
}

func TestCommunicateRequiresProtocolMetadata(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	thread := runner.NewThread(interpreter.Blocking(), zap.NewNop())
	svc := NewService(thread, map[string]*port.Socket{"dev.zuri.proto:null": port.New()}, false, zap.NewNop())
	client := startService(t, svc)
	svc.Run(ctx)

	stream, err := client.Communicate(ctx)
	if err != nil {
		t.Fatalf("Communicate: %v", err)
	}
	_, err = stream.Recv()
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Recv = %v, want InvalidArgument", err)
	}
}

func TestCommunicateUnknownPort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	thread := runner.NewThread(interpreter.Blocking(), zap.NewNop())
	svc := NewService(thread, map[string]*port.Socket{"dev.zuri.proto:null": port.New()}, false, zap.NewNop())
	client := startService(t, svc)
	svc.Run(ctx)

	streamCtx := metadata.AppendToOutgoingContext(ctx, zuripb.ProtocolURLMetadataKey, "dev.zuri.proto:nope")
	stream, err := client.Communicate(streamCtx)
	if err != nil {
		t.Fatalf("Communicate: %v", err)
	}
	_, err = stream.Recv()
	if status.Code(err) != codes.NotFound {
		t.Errorf("Recv = %v, want NotFound", err)
	}
}

func TestSecondCommunicateOnSamePortFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const protoURL = "dev.zuri.proto:null"
	sock := port.New()
	thread := runner.NewThread(interpreter.Blocking(), zap.NewNop())
	svc := NewService(thread, map[string]*port.Socket{protoURL: sock}, false, zap.NewNop())
	client := startService(t, svc)
	svc.Run(ctx)

	streamCtx := metadata.AppendToOutgoingContext(ctx, zuripb.ProtocolURLMetadataKey, protoURL)
	first, err := client.Communicate(streamCtx)
	if err != nil {
		t.Fatalf("first Communicate: %v", err)
	}
	defer first.CloseSend()

	// Wait until the first stream has actually attached its writer.
	for !sock.Attached() {
		select {
		case <-ctx.Done():
			t.Fatal("first stream never attached")
		case <-time.After(5 * time.Millisecond):
		}
	}

	second, err := client.Communicate(streamCtx)
	if err != nil {
		t.Fatalf("second Communicate: %v", err)
	}
	_, err = second.Recv()
	if status.Code(err) != codes.AlreadyExists {
		t.Errorf("second stream Recv = %v, want AlreadyExists", err)
	}
}

func TestStartSuspendedBarrier(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const protoURL = "dev.zuri.proto:null"
	sock := port.New()
	thread := runner.NewThread(interpreter.Immediate(nil, nil), zap.NewNop())
	svc := NewService(thread, map[string]*port.Socket{protoURL: sock}, true, zap.NewNop())
	client := startService(t, svc)
	svc.Run(ctx)

	// No resume may happen before the declared port set is attached.
	time.Sleep(100 * time.Millisecond)
	if st := thread.State(); st != runner.StateInitial {
		t.Fatalf("runner state before barrier = %v, want Initial", st)
	}

	streamCtx := metadata.AppendToOutgoingContext(ctx, zuripb.ProtocolURLMetadataKey, protoURL)
	stream, err := client.Communicate(streamCtx)
	if err != nil {
		t.Fatalf("Communicate: %v", err)
	}
	defer stream.CloseSend()

	select {
	case <-svc.Done():
	case <-ctx.Done():
		t.Fatal("barrier never released the initial resume")
	}

	ev, ok := svc.TerminalEvent()
	if !ok || ev.State != zuripb.MachineStateCompleted {
		t.Errorf("terminal event = %+v, want Completed", ev)
	}
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	thread := runner.NewThread(interpreter.Blocking(), zap.NewNop())
	svc := NewService(thread, nil, false, zap.NewNop())
	client := startService(t, svc)
	svc.Run(ctx)

	stream, err := client.Monitor(ctx, &zuripb.Empty{})
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	expect := func(want zuripb.MachineState) {
		t.Helper()
		ev, err := stream.Recv()
		if err != nil {
			t.Fatalf("Monitor recv: %v", err)
		}
		if ev.State != want {
			t.Fatalf("state = %v, want %v", ev.State, want)
		}
	}

	expect(zuripb.MachineStateRunning)

	if _, err := client.Suspend(ctx, &zuripb.Empty{}); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	expect(zuripb.MachineStateSuspended)

	// A Resume issued while the interrupted run is still unwinding would be
	// a Running-state no-op, so wait for the runner to actually stop.
	for thread.State() != runner.StateStopped {
		select {
		case <-ctx.Done():
			t.Fatal("runner never reached Stopped after suspend")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := client.Resume(ctx, &zuripb.Empty{}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	expect(zuripb.MachineStateRunning)

	if _, err := client.Terminate(ctx, &zuripb.Empty{}); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	expect(zuripb.MachineStateCancelled)
}

func TestEventLogWaitHonorsContext(t *testing.T) {
	l := newEventLog()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := l.wait(ctx, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("wait = %v, want DeadlineExceeded", err)
	}
}
