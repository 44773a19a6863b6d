package container

import (
	"context"
	"sync"
)

// Fake is an in-process Runner for tests. By default every run succeeds.
type Fake struct {
	mu     sync.Mutex
	runs   []Spec
	handle func(ctx context.Context, spec Spec) (Result, error)
	err    error
}

// NewFake returns a Fake that calls handle for each run. A nil handle
// succeeds immediately.
func NewFake(handle func(ctx context.Context, spec Spec) (Result, error)) *Fake {
	return &Fake{handle: handle}
}

// Run records spec and calls the handler.
func (f *Fake) Run(ctx context.Context, spec Spec) (Result, error) {
	f.mu.Lock()
	f.runs = append(f.runs, spec)
	handle := f.handle
	f.mu.Unlock()

	if handle == nil {
		return Result{}, nil
	}
	return handle(ctx, spec)
}

// SetReadyError makes Ready fail with err.
func (f *Fake) SetReadyError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Ready implements Runner.
func (f *Fake) Ready(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close implements Runner.
func (f *Fake) Close() error { return nil }

// Runs returns the specs run so far.
func (f *Fake) Runs() []Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Spec(nil), f.runs...)
}

var _ Runner = (*Fake)(nil)
