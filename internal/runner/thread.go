package runner

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/zuri-project/zuri/internal/interpreter"
)

// Thread drives one interpreter on behalf of a worker. Its command loop
// never blocks on interpreter execution: a Resume that triggers
// EffectExecute hands the interpreter call off to its own goroutine, so a
// Suspend or Terminate arriving while the interpreter runs is applied to
// the state machine immediately rather than queued behind it. This gives
// the same observable ordering as a dedicated-runner-thread design (the
// command loop never reenters the interpreter, and at most one interpreter
// call is ever in flight) without needing a literal second OS thread — cheap
// goroutines stand in for it.
type Thread struct {
	interp  interpreter.Interpreter
	cmds    *Mailbox[Command]
	replies *Mailbox[Reply]
	logger  *zap.Logger

	mu           sync.Mutex
	state        State
	loc          interpreter.ProgramLocation
	failureErr   error
	cancelRun    context.CancelFunc
	suspendAcked bool
}

// NewThread constructs a Thread in State Initial, ready for Run.
func NewThread(interp interpreter.Interpreter, logger *zap.Logger) *Thread {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Thread{
		interp:  interp,
		cmds:    NewMailbox[Command](),
		replies: NewMailbox[Reply](),
		logger:  logger.Named("runner"),
		state:   StateInitial,
	}
}

// Commands returns the mailbox producers post Resume/Suspend/Terminate to.
func (t *Thread) Commands() *Mailbox[Command] { return t.cmds }

// Replies returns the mailbox consumers (typically a remoting.Service) read
// lifecycle replies from.
func (t *Thread) Replies() *Mailbox[Reply] { return t.replies }

// SetProgram records the program location handed to the interpreter on
// every execution. Call before the first Resume is sent.
func (t *Thread) SetProgram(loc interpreter.ProgramLocation) {
	t.mu.Lock()
	t.loc = loc
	t.mu.Unlock()
}

// State returns the current runner state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Run pulls commands off the command mailbox and applies them until ctx is
// cancelled, at which point it stops accepting new commands; any
// interpreter run already in flight keeps running until it observes ctx
// cancellation itself.
func (t *Thread) Run(ctx context.Context) {
	for {
		cmd, err := t.cmds.WaitForMessage(ctx)
		if err != nil {
			return
		}
		t.handle(ctx, cmd)
	}
}

func (t *Thread) handle(ctx context.Context, cmd Command) {
	t.mu.Lock()
	next, reply, effect := Apply(t.state, cmd, t.failureErr)
	t.state = next
	cancel := t.cancelRun
	if effect == EffectRequestSuspend {
		// The Suspended reply goes out now; the interrupted outcome that
		// lands later only moves state, it must not reply again.
		t.suspendAcked = true
	}
	t.mu.Unlock()

	if (effect == EffectRequestSuspend || effect == EffectRequestCancel) && cancel != nil {
		cancel()
	}

	if reply != nil {
		t.replies.SendMessage(*reply)
	}

	if effect == EffectExecute {
		t.spawnExecute(ctx)
	}
}

func (t *Thread) spawnExecute(parent context.Context) {
	runCtx, cancel := context.WithCancel(parent)
	t.mu.Lock()
	t.cancelRun = cancel
	loc := t.loc
	t.mu.Unlock()

	go func() {
		value, err := t.interp.Run(runCtx, loc)
		cancel()
		t.complete(value, err)
	}()
}

// complete applies the interpreter execution outcome to the state machine.
// If state has already moved away from Running — a Terminate raced ahead of
// this outcome — the outcome is discarded: Shutdown was reached via the
// normal path and must stay there (terminal monotonicity), not flip to
// Stopped or Failed because of a stale cancelled run.
func (t *Thread) complete(value any, err error) {
	var reply *Reply

	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	t.cancelRun = nil
	switch {
	case err == nil:
		t.state = StateShutdown
		reply = &Reply{Kind: ReplyCompleted, Value: value}
	case errors.Is(err, interpreter.ErrInterrupted):
		t.state = StateStopped
		if !t.suspendAcked {
			reply = &Reply{Kind: ReplySuspended}
		}
		t.suspendAcked = false
	default:
		t.state = StateFailed
		t.failureErr = err
		reply = &Reply{Kind: ReplyFailure, Err: err}
	}
	t.mu.Unlock()

	if reply != nil {
		t.replies.SendMessage(*reply)
	}
}

// Close drops any undelivered commands: a runner that is built and torn
// down without ever consuming its mailbox must not leak or silently
// succeed.
func (t *Thread) Close() {
	t.cmds.Close(t.logger)
	t.replies.Close(t.logger)
}
