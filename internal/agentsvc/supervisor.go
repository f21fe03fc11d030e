package agentsvc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zuri-project/zuri/internal/zstatus"
)

// MachineState is the agent-side lifecycle of one spawned worker process
//. It progresses monotonically Initial→Created→(Terminating)→
// Exited; MachineProcess enforces this by refusing Spawn from anything but
// Initial and Terminate from Exited.
type MachineState int

const (
	MachineStateInitial MachineState = iota
	MachineStateCreated
	MachineStateTerminating
	MachineStateExited
)

func (s MachineState) String() string {
	switch s {
	case MachineStateInitial:
		return "Initial"
	case MachineStateCreated:
		return "Created"
	case MachineStateTerminating:
		return "Terminating"
	case MachineStateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// MachineExited is the lifecycle event release() fans out to Supervisor
// subscribers.
type MachineExited struct {
	URL    string
	Status int64
	Signal int
}

// MachineProcess is one entry in the Supervisor's url→process map. Exit
// fields are written exactly once, at the transition into Exited.
type MachineProcess struct {
	url     string
	invoker Invoker
	logger  *MachineLogger

	mu         sync.Mutex
	state      MachineState
	exitStatus int64
	exitSignal int
	proc       processHandle
}

// URL returns the machine's identifying URL.
func (p *MachineProcess) URL() string { return p.url }

// State returns the current lifecycle state.
func (p *MachineProcess) State() MachineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitStatus and ExitSignal are valid only once State() reports Exited.
func (p *MachineProcess) ExitStatus() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

func (p *MachineProcess) ExitSignal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitSignal
}

// Supervisor maintains the url→MachineProcess map and spawns, observes,
// and reaps worker processes. It never executes user code itself; it only
// opens pipes, spawns, signals, and waits.
type Supervisor struct {
	logger *zap.Logger
	docker *DockerInvoker

	mu           sync.RWMutex
	initialized  bool
	shuttingDown bool
	processes    map[string]*MachineProcess
	subscribers  []chan MachineExited
}

// NewSupervisor constructs a Supervisor. docker may be nil if the docker://
// spawn backend is unavailable on this host; Spawn then fails for any
// Invoker naming a docker:// executable.
func NewSupervisor(logger *zap.Logger, docker *DockerInvoker) *Supervisor {
	return &Supervisor{
		logger:    logger.Named("supervisor"),
		docker:    docker,
		processes: make(map[string]*MachineProcess),
	}
}

// Initialize binds the supervisor to its owning event loop and makes it
// ready to spawn. Fails if called twice.
func (s *Supervisor) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return zstatus.InvalidState("supervisor already initialized")
	}
	s.initialized = true
	return nil
}

// Subscribe registers a new MachineExited listener. The returned channel is
// never closed by Supervisor; callers that stop listening should simply
// stop reading from it.
func (s *Supervisor) Subscribe() <-chan MachineExited {
	ch := make(chan MachineExited, 16)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Supervisor) publish(ev MachineExited) {
	s.mu.RLock()
	subs := append([]chan MachineExited(nil), s.subscribers...)
	s.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("dropping MachineExited event, subscriber channel full",
				zap.String("machine_url", ev.URL))
		}
	}
}

// Spawn creates pipes for stdout/stderr, forks (or, for a docker://
// Executable, containerizes) the process, wires the exit callback, and
// transitions the record to Created. Fails if the child already exists or
// the supervisor is shutting down.
func (s *Supervisor) Spawn(ctx context.Context, machineURL string, invoker Invoker) (*MachineProcess, error) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil, zstatus.InvalidState("supervisor is shutting down")
	}
	if _, exists := s.processes[machineURL]; exists {
		s.mu.Unlock()
		return nil, zstatus.New(zstatus.NamespaceAgent, zstatus.CodeAlreadyExists,
			fmt.Sprintf("machine %s already exists", machineURL), nil)
	}
	mp := &MachineProcess{
		url:     machineURL,
		invoker: invoker,
		logger:  NewMachineLogger(machineURL, s.logger),
		state:   MachineStateInitial,
	}
	s.processes[machineURL] = mp
	s.mu.Unlock()

	var handle processHandle
	var err error
	if image, ok := invoker.dockerImage(); ok {
		if s.docker == nil {
			err = zstatus.InvalidConfiguration("docker spawn backend unavailable", nil)
		} else {
			handle, err = s.docker.start(ctx, invoker, image)
		}
	} else {
		handle, err = startOSProcess(ctx, invoker)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.processes, machineURL)
		s.mu.Unlock()
		return nil, fmt.Errorf("agentsvc: spawn %s: %w", machineURL, err)
	}

	stdout, stderr := handle.stdio()
	mp.logger.Start(stdout, stderr)

	mp.mu.Lock()
	mp.proc = handle
	mp.state = MachineStateCreated
	mp.mu.Unlock()

	s.logger.Info("spawned machine process",
		zap.String("machine_url", machineURL),
		zap.String("invocation", invoker.String()))

	go s.reap(mp)

	return mp, nil
}

// reap blocks on the process exit and releases the record.
func (s *Supervisor) reap(mp *MachineProcess) {
	status, signal, err := mp.proc.wait()
	if err != nil {
		s.logger.Warn("error waiting for machine process",
			zap.String("machine_url", mp.url), zap.Error(err))
	}
	s.release(mp.url, status, signal)
}

// release transitions the record to Exited and fans a MachineExited event
// out to subscribers.
func (s *Supervisor) release(machineURL string, status int64, signal int) {
	s.mu.RLock()
	mp, ok := s.processes[machineURL]
	s.mu.RUnlock()
	if !ok {
		return
	}

	mp.mu.Lock()
	mp.state = MachineStateExited
	mp.exitStatus = status
	mp.exitSignal = signal
	mp.logger.Close()
	mp.mu.Unlock()

	s.logger.Info("machine process exited",
		zap.String("machine_url", machineURL),
		zap.Int64("status", status),
		zap.Int("signal", signal))

	s.publish(MachineExited{URL: machineURL, Status: status, Signal: signal})
}

// Terminate sends signal (default SIGTERM) to the named machine's process,
// moving Created→Terminating. Sending a signal to an already-Exited machine
// fails with InvalidState. Idempotent: a Terminate already in
// flight (state already Terminating) succeeds without resending.
func (s *Supervisor) Terminate(machineURL string, signal syscall.Signal) error {
	if signal == 0 {
		signal = syscall.SIGTERM
	}

	s.mu.RLock()
	mp, ok := s.processes[machineURL]
	s.mu.RUnlock()
	if !ok {
		return zstatus.New(zstatus.NamespaceAgent, zstatus.CodeNotFound,
			fmt.Sprintf("no machine %s", machineURL), nil)
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	switch mp.state {
	case MachineStateExited:
		return zstatus.InvalidState(fmt.Sprintf("cannot terminate machine %s: already exited", machineURL))
	case MachineStateTerminating:
		return nil
	}

	if err := mp.proc.signal(signal); err != nil {
		return fmt.Errorf("agentsvc: terminate %s: %w", machineURL, err)
	}
	mp.state = MachineStateTerminating
	return nil
}

// Active returns the number of machines spawned and not yet exited, feeding
// both the active-machines gauge and the agent's idle-timeout check.
func (s *Supervisor) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, mp := range s.processes {
		if mp.State() != MachineStateExited {
			n++
		}
	}
	return n
}

// Get returns the MachineProcess for machineURL, if any.
func (s *Supervisor) Get(machineURL string) (*MachineProcess, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mp, ok := s.processes[machineURL]
	return mp, ok
}

// Shutdown refuses new spawns, sends SIGTERM to all non-exited children,
// waits up to grace for them to exit, then SIGKILLs stragglers, and returns
// once every child this supervisor spawned has been reaped.
func (s *Supervisor) Shutdown(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = 5 * time.Second
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	procs := make([]*MachineProcess, 0, len(s.processes))
	for _, mp := range s.processes {
		procs = append(procs, mp)
	}
	s.mu.Unlock()

	for _, mp := range procs {
		if mp.State() != MachineStateExited {
			if err := s.Terminate(mp.url, syscall.SIGTERM); err != nil {
				s.logger.Warn("failed to send SIGTERM during shutdown",
					zap.String("machine_url", mp.url), zap.Error(err))
			}
		}
	}

	deadline := time.After(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

waitLoop:
	for {
		if s.allExited(procs) {
			break waitLoop
		}
		select {
		case <-deadline:
			break waitLoop
		case <-ticker.C:
		case <-ctx.Done():
			break waitLoop
		}
	}

	for _, mp := range procs {
		if mp.State() != MachineStateExited {
			mp.mu.Lock()
			proc := mp.proc
			mp.mu.Unlock()
			if proc != nil {
				if err := proc.signal(syscall.SIGKILL); err != nil {
					s.logger.Warn("failed to SIGKILL straggler during shutdown",
						zap.String("machine_url", mp.url), zap.Error(err))
				}
			}
		}
	}

	// Give SIGKILL a brief window to land and reap() to observe the exit
	// before returning, so "no child remains alive" holds immediately
	// after Shutdown.
	final := time.After(grace)
	ticker2 := time.NewTicker(20 * time.Millisecond)
	defer ticker2.Stop()
	for !s.allExited(procs) {
		select {
		case <-final:
			return errors.New("agentsvc: shutdown grace period exceeded with stragglers remaining")
		case <-ticker2.C:
		}
	}
	return nil
}

func (s *Supervisor) allExited(procs []*MachineProcess) bool {
	for _, mp := range procs {
		if mp.State() != MachineStateExited {
			return false
		}
	}
	return true
}
