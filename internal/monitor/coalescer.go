package monitor

import (
	"sync"

	"batchnav/internal/metrics"
	"batchnav/internal/model"
)

// Trigger is one request to re-evaluate a batch.
type Trigger struct {
	Conditions    model.Conditions
	OrdersChanged bool
	// Force skips the impact threshold (manual evaluation).
	Force  bool
	Source string
}

// merge folds a newer trigger into a pending one: the newest conditions
// win, flags accumulate.
func merge(pending, next Trigger) Trigger {
	out := next
	out.OrdersChanged = pending.OrdersChanged || next.OrdersChanged
	out.Force = pending.Force || next.Force
	out.Conditions.OrderChanges = pending.Conditions.OrderChanges || next.Conditions.OrderChanges
	return out
}

// Coalescer runs at most one computation at a time. Triggers submitted
// while one runs collapse into a single pending trigger that runs next.
type Coalescer struct {
	run func(Trigger)

	mu      sync.Mutex
	idle    *sync.Cond
	running bool
	pending *Trigger
	runs    int
}

func NewCoalescer(run func(Trigger)) *Coalescer {
	c := &Coalescer{run: run}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Submit never blocks on the computation.
func (c *Coalescer) Submit(t Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		if c.pending != nil {
			m := merge(*c.pending, t)
			c.pending = &m
			metrics.TriggersCoalesced.Inc()
			return
		}
		c.pending = &t
		return
	}
	c.running = true
	go c.drain(t)
}

func (c *Coalescer) drain(t Trigger) {
	for {
		c.run(t)
		c.mu.Lock()
		c.runs++
		if c.pending == nil {
			c.running = false
			c.idle.Broadcast()
			c.mu.Unlock()
			return
		}
		t = *c.pending
		c.pending = nil
		c.mu.Unlock()
	}
}

// Wait blocks until no computation is running or pending.
func (c *Coalescer) Wait() {
	c.mu.Lock()
	for c.running {
		c.idle.Wait()
	}
	c.mu.Unlock()
}

// Runs is the number of completed computations.
func (c *Coalescer) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}
