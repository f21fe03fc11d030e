package interpreter

import "context"

// Packages is the read-only package cache: given a name, return code
// bytes. It is defined here only so ProgramLocation resolution has a
// collaborator to mock in tests; no production implementation is provided.
type Packages interface {
	Resolve(ctx context.Context, executionURI string) ([]byte, error)
}

// StaticPackages is a Packages backed by an in-memory map, enough to drive
// isolate/agent tests without a real package store.
type StaticPackages map[string][]byte

func (p StaticPackages) Resolve(_ context.Context, executionURI string) ([]byte, error) {
	code, ok := p[executionURI]
	if !ok {
		return nil, ErrPackageNotFound
	}
	return code, nil
}
