package isolate

import (
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/zuri-project/zuri/internal/zuripb"
)

// fakeMonitorStream replays a fixed event sequence. Only Recv is ever
// called by the monitor; the embedded ClientStream stays nil.
type fakeMonitorStream struct {
	grpc.ClientStream
	events []zuripb.MonitorEvent
	idx    int
}

func (f *fakeMonitorStream) Recv() (*zuripb.MonitorEvent, error) {
	if f.idx >= len(f.events) {
		return nil, io.EOF
	}
	ev := f.events[f.idx]
	f.idx++
	return &ev, nil
}

func TestRunUntilFinishedObservesEveryState(t *testing.T) {
	m := newMachineMonitor(zap.NewNop())
	go m.run(&fakeMonitorStream{events: []zuripb.MonitorEvent{
		{State: zuripb.MachineStateRunning},
		{State: zuripb.MachineStateSuspended},
		{State: zuripb.MachineStateRunning},
		{State: zuripb.MachineStateCompleted, StatusCode: 0},
	}})

	var seen []zuripb.MachineState
	exit, err := m.runUntilFinished(func(s zuripb.MachineState) { seen = append(seen, s) })
	if err != nil {
		t.Fatalf("runUntilFinished: %v", err)
	}
	if exit.State != zuripb.MachineStateCompleted || exit.StatusCode != 0 {
		t.Errorf("exit = %+v, want Completed/0", exit)
	}

	want := []zuripb.MachineState{
		zuripb.MachineStateRunning,
		zuripb.MachineStateSuspended,
		zuripb.MachineStateRunning,
		zuripb.MachineStateCompleted,
	}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
}

func TestRunUntilFinishedCarriesFailureCode(t *testing.T) {
	m := newMachineMonitor(zap.NewNop())
	go m.run(&fakeMonitorStream{events: []zuripb.MonitorEvent{
		{State: zuripb.MachineStateRunning},
		{State: zuripb.MachineStateFailure, StatusCode: 1},
	}})

	exit, err := m.runUntilFinished(nil)
	if err != nil {
		t.Fatalf("runUntilFinished: %v", err)
	}
	if exit.State != zuripb.MachineStateFailure || exit.StatusCode != 1 {
		t.Errorf("exit = %+v, want Failure/1", exit)
	}
}

func TestRunUntilFinishedReportsTruncatedStream(t *testing.T) {
	m := newMachineMonitor(zap.NewNop())
	go m.run(&fakeMonitorStream{events: []zuripb.MonitorEvent{
		{State: zuripb.MachineStateRunning},
	}})

	done := make(chan struct{})
	var err error
	go func() {
		_, err = m.runUntilFinished(nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runUntilFinished never returned for a truncated stream")
	}
	if err == nil {
		t.Fatal("truncated stream reported no error")
	}
}

func TestTwoWaitersReplayTheSameHistory(t *testing.T) {
	m := newMachineMonitor(zap.NewNop())
	go m.run(&fakeMonitorStream{events: []zuripb.MonitorEvent{
		{State: zuripb.MachineStateRunning},
		{State: zuripb.MachineStateCompleted},
	}})

	first, err := m.runUntilFinished(nil)
	if err != nil {
		t.Fatalf("first waiter: %v", err)
	}
	second, err := m.runUntilFinished(nil)
	if err != nil {
		t.Fatalf("second waiter: %v", err)
	}
	if first != second {
		t.Errorf("waiters disagree: %+v vs %+v", first, second)
	}
}
