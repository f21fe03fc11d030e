package interpreter

import "context"

// Func adapts a plain function to Interpreter.
type Func func(ctx context.Context, loc ProgramLocation) (any, error)

func (f Func) Run(ctx context.Context, loc ProgramLocation) (any, error) {
	return f(ctx, loc)
}

// Blocking returns an Interpreter that runs until ctx is cancelled and then
// returns ErrInterrupted. Useful for exercising the runner's suspend and
// terminate paths without a real bytecode engine.
func Blocking() Interpreter {
	return Func(func(ctx context.Context, _ ProgramLocation) (any, error) {
		<-ctx.Done()
		return nil, ErrInterrupted
	})
}

// Immediate returns an Interpreter that completes synchronously with value
// and err, useful for exercising the runner's completion and failure paths.
func Immediate(value any, err error) Interpreter {
	return Func(func(context.Context, ProgramLocation) (any, error) {
		return value, err
	})
}
