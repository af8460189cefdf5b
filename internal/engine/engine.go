package engine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"batchnav/internal/batch"
	"batchnav/internal/events"
	"batchnav/internal/metrics"
	"batchnav/internal/model"
	"batchnav/internal/monitor"
	"batchnav/internal/opt"
	"batchnav/internal/store"
)

// Engine coordinates one batch. Commands mutate the batch under mu;
// computations are serialized by computeMu and install their result only
// if the batch did not change while they ran. Readers use the atomic
// snapshots and never block.
type Engine struct {
	id   string
	deps Deps

	mu       sync.Mutex
	b        *batch.Batch
	version  uint64
	baseline model.Conditions
	driver   *model.GeoPoint

	computeMu sync.Mutex
	coal      *monitor.Coalescer

	snap  atomic.Pointer[model.DeliveryBatch]
	route atomic.Pointer[model.OptimizedRoute]
	adj   atomic.Pointer[model.RouteAdjustmentResult]

	saveMu    sync.Mutex
	savedVer  uint64
	closeOnce sync.Once
}

func newEngine(b *batch.Batch, deps Deps) *Engine {
	e := &Engine{id: b.ID(), deps: deps, b: b, baseline: model.ClearConditions()}
	e.coal = monitor.NewCoalescer(e.runTrigger)
	s := b.Snapshot()
	e.snap.Store(&s)
	return e
}

// restore rebuilds an engine from its persisted record and last route.
func restore(rec store.BatchRecord, route *model.OptimizedRoute, deps Deps) *Engine {
	e := newEngine(batch.FromSnapshot(rec.Batch, rec.RetryBudget), deps)
	e.baseline = rec.Baseline
	if e.baseline.Traffic == "" {
		e.baseline = model.ClearConditions()
	}
	e.driver = copyPoint(rec.Driver)
	if route != nil {
		r := *route
		e.route.Store(&r)
	}
	return e
}

func (e *Engine) ID() string { return e.id }

// Snapshot is the latest batch state. It is a private copy.
func (e *Engine) Snapshot() model.DeliveryBatch {
	return batch.Copy(*e.snap.Load())
}

// Route returns the installed route; ok is false before the first one.
// The value is shared and must not be modified.
func (e *Engine) Route() (model.OptimizedRoute, bool) {
	r := e.route.Load()
	if r == nil {
		return model.OptimizedRoute{}, false
	}
	return *r, true
}

// Adjustment is the last monitor outcome, nil before the first cycle.
func (e *Engine) Adjustment() *model.RouteAdjustmentResult {
	a := e.adj.Load()
	if a == nil {
		return nil
	}
	v := *a
	return &v
}

func (e *Engine) Progress() batch.Progress {
	return batch.ProgressOf(e.snap.Load().Waypoints)
}

func (e *Engine) Track() []batch.OrderState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.b.TrackAll()
}

func (e *Engine) TrackOrder(orderID string) (batch.OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.b.Track(orderID)
}

func (e *Engine) Baseline() model.Conditions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseline
}

func (e *Engine) DriverLocation() *model.GeoPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyPoint(e.driver)
}

// View bundles the read models served to clients.
type View struct {
	Batch      model.DeliveryBatch          `json:"batch"`
	Progress   batch.Progress               `json:"progress"`
	Orders     []batch.OrderState           `json:"orders"`
	Route      *model.OptimizedRoute        `json:"route,omitempty"`
	Adjustment *model.RouteAdjustmentResult `json:"lastAdjustment,omitempty"`
	Stats      *opt.Stats                   `json:"optimizerStats,omitempty"`
}

func (e *Engine) View() View {
	v := View{Batch: e.Snapshot(), Progress: e.Progress(), Orders: e.Track(), Adjustment: e.Adjustment()}
	if r, ok := e.Route(); ok {
		v.Route = &r
	}
	if st, ok := opt.GetStats(e.id); ok {
		v.Stats = &st
	}
	return v
}

// Trigger asks for a re-evaluation. It returns at once; triggers arriving
// while one runs are merged.
func (e *Engine) Trigger(t monitor.Trigger) {
	if e.snap.Load().Status.Terminal() {
		return
	}
	e.coal.Submit(t)
}

// Wait blocks until no triggered computation is running or pending.
func (e *Engine) Wait() { e.coal.Wait() }

func (e *Engine) runTrigger(t monitor.Trigger) {
	ctx, cancel := context.WithTimeout(context.Background(), e.deps.ComputeTimeout)
	defer cancel()
	_, err := e.cycle(ctx, t)
	if err == errSuperseded {
		// the batch kept changing; look again once this run is done
		e.coal.Submit(t)
	}
}

// mutate runs fn on the live batch. On success the snapshot is republished,
// the route's waypoint states follow the batch, and the record is saved.
func (e *Engine) mutate(ctx context.Context, fn func(b *batch.Batch) error) error {
	e.mu.Lock()
	prev := e.b.Status()
	if err := fn(e.b); err != nil {
		e.mu.Unlock()
		return err
	}
	e.version++
	e.publishSnapshotLocked()
	e.syncRouteLocked()
	rec, v := e.recordLocked()
	next := e.b.Status()
	e.mu.Unlock()

	e.persist(ctx, rec, v)
	if prev != next {
		e.statusChanged(ctx, next, rec.Batch.CancelReason)
	}
	return nil
}

func (e *Engine) publishSnapshotLocked() {
	s := e.b.Snapshot()
	e.snap.Store(&s)
}

// syncRouteLocked copies waypoint statuses into a new route snapshot so
// readers see progress without a recomputation.
func (e *Engine) syncRouteLocked() {
	cur := e.route.Load()
	if cur == nil {
		return
	}
	byID := map[string]model.Waypoint{}
	for _, w := range e.b.Waypoints() {
		byID[w.ID] = w
	}
	next := *cur
	next.Waypoints = make([]model.Waypoint, len(cur.Waypoints))
	for i, w := range cur.Waypoints {
		if live, ok := byID[w.ID]; ok {
			w.Status = live.Status
			w.Failures = live.Failures
			w.CompletedAt = live.CompletedAt
		}
		next.Waypoints[i] = w
	}
	e.route.Store(&next)
}

func (e *Engine) recordLocked() (store.BatchRecord, uint64) {
	return store.BatchRecord{
		Batch:       e.b.Snapshot(),
		RetryBudget: e.b.RetryBudget(),
		Driver:      copyPoint(e.driver),
		Baseline:    e.baseline,
		UpdatedAt:   e.deps.Now(),
	}, e.version
}

// persist saves rec unless a newer version was saved already.
func (e *Engine) persist(ctx context.Context, rec store.BatchRecord, v uint64) {
	if e.deps.Store == nil {
		return
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if v < e.savedVer {
		return
	}
	if err := e.deps.Store.SaveBatch(context.WithoutCancel(ctx), rec); err != nil {
		log.Printf("batch=%s op=store.save_batch err=%v", e.id, err)
		return
	}
	e.savedVer = v
}

func (e *Engine) statusChanged(ctx context.Context, st model.BatchStatus, reason string) {
	e.deps.publish(ctx, events.New(events.BatchStatus, e.id, events.StatusData{Status: string(st), Reason: reason}))
	if st.Terminal() {
		e.closeOnce.Do(func() {
			metrics.ActiveBatches.Dec()
			opt.ForgetStats(e.id)
		})
	}
}

func copyPoint(p *model.GeoPoint) *model.GeoPoint {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (e *Engine) now() time.Time { return e.deps.Now() }
