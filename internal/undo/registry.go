package undo

import (
	"context"
	"sync"
	"time"
)

// RunFunc executes one run for an account.
type RunFunc func(ctx context.Context) (*Report, error)

// Status is a snapshot of an account's latest run.
type Status struct {
	Running    bool
	StartedAt  time.Time
	FinishedAt time.Time
	Report     *Report
	Err        error
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	status Status
}

// Registry runs at most one undo run per account. Starting a run cancels
// and replaces the account's previous one.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*run
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*run)}
}

// Start launches fn for accountID in the background. A previous run of
// the same account is cancelled, and fn starts only after it returned.
func (g *Registry) Start(ctx context.Context, accountID string, fn RunFunc) {
	ctx, cancel := context.WithCancel(ctx)
	next := &run{
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Running: true, StartedAt: time.Now()},
	}

	g.mu.Lock()
	prev := g.runs[accountID]
	g.runs[accountID] = next
	g.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	go func() {
		defer close(next.done)
		defer cancel()

		if prev != nil {
			<-prev.done
		}

		var (
			rep *Report
			err error
		)
		if err = ctx.Err(); err == nil {
			rep, err = fn(ctx)
		}

		g.mu.Lock()
		next.status.Running = false
		next.status.FinishedAt = time.Now()
		next.status.Report = rep
		next.status.Err = err
		g.mu.Unlock()
	}()
}

// Cancel cancels the account's current run. It reports whether a run was
// in progress.
func (g *Registry) Cancel(accountID string) bool {
	g.mu.Lock()
	r := g.runs[accountID]
	running := r != nil && r.status.Running
	g.mu.Unlock()

	if r != nil {
		r.cancel()
	}
	return running
}

// Wait blocks until the account's current run finishes or ctx is done,
// and returns its result.
func (g *Registry) Wait(ctx context.Context, accountID string) (*Report, error) {
	g.mu.Lock()
	r := g.runs[accountID]
	g.mu.Unlock()
	if r == nil {
		return nil, nil
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return r.status.Report, r.status.Err
}

// Status returns the latest run of the account.
func (g *Registry) Status(accountID string) (Status, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[accountID]
	if !ok {
		return Status{}, false
	}
	return r.status, true
}
