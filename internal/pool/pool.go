// Package pool shares the work units of one invocation between pollers,
// either in process or through a remote queue that several workers
// drain together.
package pool

import (
	"context"
	"sync"

	"github.com/gantry-systems/gantry/internal/suite"
)

// Pool hands out work units to the pollers of one invocation.
type Pool interface {
	// Seed publishes the units. Seeding is first-writer-wins across the
	// workers sharing a pool; Seed reports false when another worker got
	// there first.
	Seed(ctx context.Context, units []suite.Unit) (bool, error)
	// Poll claims the next unit, reporting ok=false when the pool is
	// drained.
	Poll(ctx context.Context) (suite.Unit, bool, error)
	// Return pushes a claimed unit back for another poller to pick up.
	Return(ctx context.Context, unit suite.Unit) error
}

// LocalPool is the in-memory pool shared by the pollers of a single
// process.
type LocalPool struct {
	mu     sync.Mutex
	units  []suite.Unit
	seeded bool
}

// NewLocalPool creates an empty LocalPool.
func NewLocalPool() *LocalPool {
	return &LocalPool{}
}

// Seed implements Pool.
func (p *LocalPool) Seed(_ context.Context, units []suite.Unit) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seeded {
		return false, nil
	}
	p.seeded = true
	p.units = append(p.units, units...)
	return true, nil
}

// Poll implements Pool.
func (p *LocalPool) Poll(_ context.Context) (suite.Unit, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.units) == 0 {
		return nil, false, nil
	}
	u := p.units[0]
	p.units = p.units[1:]
	return u, true, nil
}

// Return implements Pool.
func (p *LocalPool) Return(_ context.Context, unit suite.Unit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.units = append(p.units, unit)
	return nil
}

// Size reports how many units are waiting to be claimed.
func (p *LocalPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.units)
}

var _ Pool = (*LocalPool)(nil)

// Tracker counts the live pollers sharing one pool so the last one to
// finish can report the units nobody executed.
type Tracker struct {
	mu        sync.Mutex
	remaining int
}

// NewTracker creates a Tracker expecting n pollers.
func NewTracker(n int) *Tracker {
	return &Tracker{remaining: n}
}

// Alive reports how many pollers have not finished yet, including the
// caller.
func (t *Tracker) Alive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Done marks one poller finished and reports whether it was the last.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remaining > 0 {
		t.remaining--
	}
	return t.remaining == 0
}
