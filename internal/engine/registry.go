package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"batchnav/internal/batch"
	"batchnav/internal/metrics"
	"batchnav/internal/model"
	"batchnav/internal/monitor"
)

// CreateRequest describes a new batch.
type CreateRequest struct {
	ID             string                      `json:"id,omitempty"`
	DriverID       string                      `json:"driverId"`
	Orders         []model.Order               `json:"orders"`
	MaxOrders      int                         `json:"maxOrders,omitempty"`
	MaxDeviationKm float64                     `json:"maxDeviationKm,omitempty"`
	RetryBudget    int                         `json:"retryBudget,omitempty"`
	Criteria       *model.OptimizationCriteria `json:"criteria,omitempty"`
	DriverLocation *model.GeoPoint             `json:"driverLocation,omitempty"`
}

// Registry holds the engines of one process.
type Registry struct {
	deps Deps

	mu      sync.RWMutex
	engines map[string]*Engine
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps.withDefaults(), engines: map[string]*Engine{}}
}

// Create builds a planned batch and computes its first route.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Engine, error) {
	id := req.ID
	if id == "" {
		id = "bat_" + uuid.NewString()
	}
	opts := batch.Options{
		MaxOrders:      req.MaxOrders,
		MaxDeviationKm: req.MaxDeviationKm,
		RetryBudget:    req.RetryBudget,
		Criteria:       model.BalancedCriteria(),
	}
	if opts.MaxOrders <= 0 {
		opts.MaxOrders = r.deps.MaxOrders
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = r.deps.RetryBudget
	}
	if req.Criteria != nil {
		opts.Criteria = *req.Criteria
	}
	b, err := batch.New(id, req.DriverID, req.Orders, opts, r.deps.Now())
	if err != nil {
		return nil, err
	}
	e := newEngine(b, r.deps)
	e.driver = copyPoint(req.DriverLocation)

	r.mu.Lock()
	if _, ok := r.engines[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("batch %s exists: %w", id, model.ErrBatchExists)
	}
	r.engines[id] = e
	r.mu.Unlock()
	metrics.ActiveBatches.Inc()

	// the engine is already reachable through r.engines
	e.mu.Lock()
	rec, v := e.recordLocked()
	e.mu.Unlock()
	e.persist(ctx, rec, v)
	if _, err := e.plan(ctx); err != nil {
		// the batch exists; the monitor retries the route on its cadence
		log.Printf("batch=%s op=engine.plan err=%v", id, err)
	}
	return e, nil
}

func (r *Registry) Get(id string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, model.ErrNotFound)
	}
	return e, nil
}

// List returns engines sorted by creation time, optionally only those with
// the given status.
func (r *Registry) List(status model.BatchStatus) []*Engine {
	r.mu.RLock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		if status == "" || e.snap.Load().Status == status {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].snap.Load(), out[j].snap.Load()
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// Fire hands t to every open batch. It never blocks on a computation.
func (r *Registry) Fire(t monitor.Trigger) {
	for _, e := range r.List("") {
		e.Trigger(t)
	}
}

// Restore loads the open batches of the store, with their last route.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.deps.Store == nil {
		return 0, nil
	}
	recs, err := r.deps.Store.ListOpenBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore batches: %w", err)
	}
	n := 0
	for _, rec := range recs {
		var route *model.OptimizedRoute
		if rt, err := r.deps.Store.LatestRoute(ctx, rec.Batch.ID); err == nil {
			route = &rt
		} else if !errors.Is(err, model.ErrNotFound) {
			log.Printf("batch=%s op=store.latest_route err=%v", rec.Batch.ID, err)
		}
		e := restore(rec, route, r.deps)
		r.mu.Lock()
		if _, ok := r.engines[e.id]; ok {
			r.mu.Unlock()
			continue
		}
		r.engines[e.id] = e
		r.mu.Unlock()
		metrics.ActiveBatches.Inc()
		n++
		if route == nil {
			e.Trigger(monitor.Trigger{Force: true, Source: "restore", Conditions: e.Baseline()})
		}
	}
	log.Printf("op=engine.restore batches=%d", n)
	return n, nil
}

// Wait blocks until no engine has a triggered computation in flight.
func (r *Registry) Wait() {
	for _, e := range r.List("") {
		e.Wait()
	}
}
