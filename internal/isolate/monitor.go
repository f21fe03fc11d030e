package isolate

import (
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/zuri-project/zuri/internal/zstatus"
	"github.com/zuri-project/zuri/internal/zuripb"
)

// MachineMonitor consumes a machine's Monitor stream and lets any number of
// RunUntilFinished callers replay the lifecycle from the beginning. The
// blocking waits use a condition variable guarded by m.mu.
type MachineMonitor struct {
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	events []zuripb.MonitorEvent
	done   bool
	err    error
}

func newMachineMonitor(logger *zap.Logger) *MachineMonitor {
	m := &MachineMonitor{logger: logger.Named("monitor")}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// run drains the Monitor stream until the terminal event or a stream error.
func (m *MachineMonitor) run(stream zuripb.RemotingService_MonitorClient) {
	for {
		ev, err := stream.Recv()
		if err != nil {
			m.mu.Lock()
			if !m.done {
				// A stream that ends before a terminal event is a transport
				// fault, not a machine outcome.
				if err != io.EOF {
					m.err = zstatus.Unreachable("monitor stream failed", err)
				} else {
					m.err = zstatus.Unreachable("monitor stream closed before terminal state", nil)
				}
				m.done = true
			}
			m.mu.Unlock()
			m.cond.Broadcast()
			return
		}

		m.mu.Lock()
		m.events = append(m.events, *ev)
		if ev.State.Terminal() {
			m.done = true
		}
		m.mu.Unlock()
		m.cond.Broadcast()

		if ev.State.Terminal() {
			return
		}
	}
}

// runUntilFinished blocks until the terminal event arrives, invoking cb for
// every observed state along the way. cb runs outside the monitor lock.
func (m *MachineMonitor) runUntilFinished(cb func(zuripb.MachineState)) (MachineExit, error) {
	idx := 0
	for {
		m.mu.Lock()
		for idx >= len(m.events) && !m.done {
			m.cond.Wait()
		}
		if idx < len(m.events) {
			ev := m.events[idx]
			idx++
			m.mu.Unlock()
			if cb != nil {
				cb(ev.State)
			}
			if ev.State.Terminal() {
				return MachineExit{State: ev.State, StatusCode: ev.StatusCode}, nil
			}
			continue
		}
		err := m.err
		m.mu.Unlock()
		return MachineExit{State: zuripb.MachineStateFailure}, err
	}
}
