package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"batchnav/internal/batch"
	"batchnav/internal/directions"
	"batchnav/internal/events"
	"batchnav/internal/metrics"
	"batchnav/internal/model"
	"batchnav/internal/monitor"
	"batchnav/internal/obs"
	"batchnav/internal/opt"
)

var (
	// errStale means the batch changed while a computation ran.
	errStale = errors.New("batch changed during computation")
	// errSuperseded is returned after installAttempts stale computations.
	errSuperseded = errors.New("computation superseded")
)

// working is a private copy of the batch a computation runs against.
type working struct {
	b       *batch.Batch
	version uint64
	driver  *model.GeoPoint
}

// prepare clones the live batch and applies change to the clone. The live
// batch is untouched.
func (e *Engine) prepare(change func(*batch.Batch) error) (working, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.b.Status().Terminal() {
		return working{}, fmt.Errorf("batch %s is %s: %w", e.id, e.b.Status(), model.ErrBatchClosed)
	}
	w := working{b: e.b.Clone(), version: e.version, driver: copyPoint(e.driver)}
	if change != nil {
		if err := change(w.b); err != nil {
			return working{}, err
		}
	}
	return w, nil
}

func (e *Engine) problem(w working) opt.Problem {
	return opt.Problem{
		BatchID:       e.id,
		Waypoints:     w.b.Waypoints(),
		Orders:        w.b.Orders(),
		Start:         w.driver,
		DepartAt:      e.now(),
		Criteria:      w.b.Criteria(),
		MaxIterations: e.deps.MaxIterations,
		ServiceSec:    e.deps.ServiceSec,
	}
}

// costs resolves every leg the optimizer may ask about. This is the only
// blocking step of a computation.
func (e *Engine) costs(ctx context.Context, p opt.Problem) (opt.Costs, error) {
	m, err := directions.BuildMatrix(obs.WithBatch(ctx, e.id), e.deps.Directions, p.Locations(), e.deps.Parallelism)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// optimize runs the search on w. When measureCurrent is set and the
// installed route still covers the same waypoints, the current sequence is
// re-measured under the same costs for comparison.
func (e *Engine) optimize(ctx context.Context, w working, measureCurrent bool) (next model.OptimizedRoute, current *model.OptimizedRoute, err error) {
	defer obs.Time(obs.WithBatch(ctx, e.id), "engine.optimize")(&err)
	started := time.Now()
	p := e.problem(w)
	if p.Costs, err = e.costs(ctx, p); err != nil {
		metrics.OptimizerRuns.WithLabelValues(string(model.ModeOptimized), "directions_error").Inc()
		return model.OptimizedRoute{}, nil, err
	}
	next, st, err := opt.Optimize(p)
	if err != nil {
		metrics.OptimizerRuns.WithLabelValues(string(model.ModeOptimized), "error").Inc()
		return model.OptimizedRoute{}, nil, err
	}
	e.recordStats(st, time.Since(started))
	if cur := e.route.Load(); measureCurrent && cur != nil && sameWaypoints(*cur, p.Waypoints) {
		if m, err := opt.Evaluate(p); err == nil {
			m.Mode = cur.Mode
			current = &m
		}
	}
	return next, current, nil
}

// fallback plans on straight-line estimates when directions are down and
// the batch changed shape, so there is always a route covering it.
func (e *Engine) fallback(w working, cause error) (model.OptimizedRoute, error) {
	log.Printf("batch=%s op=engine.fallback cause=%v", e.id, cause)
	r, st, err := opt.Optimize(e.problem(w))
	if err != nil {
		return model.OptimizedRoute{}, err
	}
	e.recordStats(st, st.Elapsed)
	return r, nil
}

func (e *Engine) recordStats(st opt.Stats, took time.Duration) {
	opt.RecordStats(e.id, st)
	metrics.OptimizerRuns.WithLabelValues(string(model.ModeOptimized), "ok").Inc()
	metrics.OptimizerDuration.WithLabelValues(string(model.ModeOptimized)).Observe(took.Seconds())
	if st.IterationCapHit {
		metrics.IterationCapHits.Inc()
		log.Printf("batch=%s op=optimizer.search iterations=%d err=%v", e.id, st.Iterations, model.ErrOptimizationTimeout)
	}
}

// commit installs r together with the working batch it was computed from.
// It fails with errStale if the live batch moved on, and discards the
// result if the batch was closed meanwhile. also runs under the lock.
func (e *Engine) commit(ctx context.Context, w working, r model.OptimizedRoute, also func()) error {
	e.mu.Lock()
	if e.b.Status().Terminal() {
		st := e.b.Status()
		e.mu.Unlock()
		log.Printf("batch=%s op=engine.install discarded status=%s", e.id, st)
		return fmt.Errorf("install route: batch %s: %w", st, model.ErrBatchClosed)
	}
	if e.version != w.version {
		e.mu.Unlock()
		return errStale
	}
	w.b.ApplySequence(r.WaypointIDs())
	prev := e.b.Status()
	e.b = w.b
	e.version++
	if also != nil {
		also()
	}
	e.route.Store(&r)
	e.publishSnapshotLocked()
	rec, v := e.recordLocked()
	e.mu.Unlock()

	e.persist(ctx, rec, v)
	if prev != rec.Batch.Status {
		e.statusChanged(ctx, rec.Batch.Status, rec.Batch.CancelReason)
	}
	metrics.OptimizerScore.Observe(r.OptimizationScore)
	if e.deps.Store != nil {
		if _, err := e.deps.Store.SaveRoute(context.WithoutCancel(ctx), r); err != nil {
			log.Printf("batch=%s op=store.save_route err=%v", e.id, err)
		}
	}
	e.deps.publish(ctx, events.New(events.RouteUpdated, e.id, r))
	return nil
}

// replan recomputes after the waypoint set changed. change is applied to a
// clone first and reaches the live batch only with the new route. Without
// directions the route is planned on straight-line estimates, unless check
// needs real distances.
func (e *Engine) replan(ctx context.Context, change func(*batch.Batch) error, check func(context.Context, working, model.OptimizedRoute) error) (model.OptimizedRoute, error) {
	e.computeMu.Lock()
	defer e.computeMu.Unlock()
	for i := 0; i < installAttempts; i++ {
		w, err := e.prepare(change)
		if err != nil {
			return model.OptimizedRoute{}, err
		}
		r, _, err := e.optimize(ctx, w, false)
		if err != nil {
			if check != nil || !errors.Is(err, model.ErrDirectionsService) {
				return model.OptimizedRoute{}, err
			}
			if r, err = e.fallback(w, err); err != nil {
				return model.OptimizedRoute{}, err
			}
		}
		if check != nil {
			if err := check(ctx, w, r); err != nil {
				return model.OptimizedRoute{}, err
			}
		}
		err = e.commit(ctx, w, r, nil)
		if err == errStale {
			continue
		}
		return r, err
	}
	return model.OptimizedRoute{}, fmt.Errorf("replan batch %s: %w: %w", e.id, errSuperseded, model.ErrInvalidTransition)
}

// cycle is one monitor evaluation: measure the impact of t against the
// baseline, recompute when it matters and classify the outcome.
func (e *Engine) cycle(ctx context.Context, t monitor.Trigger) (res model.RouteAdjustmentResult, err error) {
	ctx = obs.WithBatch(ctx, e.id)
	defer obs.Time(ctx, "monitor.cycle")(&err)
	e.computeMu.Lock()
	defer e.computeMu.Unlock()

	e.mu.Lock()
	baseline := e.baseline
	closed := e.b.Status().Terminal()
	e.mu.Unlock()
	if closed {
		return res, model.ErrBatchClosed
	}
	cur := t.Conditions
	if cur.Traffic == "" {
		cur.Traffic = baseline.Traffic
	}
	if cur.Weather == "" {
		cur.Weather = baseline.Weather
	}
	cur.OrderChanges = cur.OrderChanges || t.OrdersChanged
	impact := monitor.ImpactScore(baseline, cur)
	reason := monitor.Reason(baseline, cur)
	metrics.ImpactScore.Observe(impact)
	cfg := e.deps.Monitor
	now := e.now()
	if e.route.Load() == nil {
		// no route yet: any look is worth a computation
		t.Force = true
	}
	if !t.Force && !cfg.ShouldRecompute(impact) {
		res = cfg.Skipped(impact, now)
		e.recordAdjustment(ctx, res, "skipped")
		return res, nil
	}
	if reason == "" {
		reason = t.Source
	}

	newBaseline := cur
	newBaseline.OrderChanges = false
	for i := 0; i < installAttempts; i++ {
		w, err := e.prepare(nil)
		if err != nil {
			return res, err
		}
		next, current, err := e.optimize(ctx, w, true)
		if err != nil {
			res = monitor.Failed(err, impact, reason, now)
			e.recordAdjustment(ctx, res, "error")
			return res, nil
		}
		d := cfg.Classify(current, next, impact, reason, now)
		err = e.commit(ctx, w, *d.Install, func() { e.baseline = newBaseline })
		if err == errStale {
			continue
		}
		if err != nil {
			return res, err
		}
		outcome := "unchanged"
		if d.Result.Status == model.AdjustmentCalculated {
			outcome = "adjusted"
		}
		e.recordAdjustment(ctx, d.Result, outcome)
		return d.Result, nil
	}
	return res, errSuperseded
}

func (e *Engine) recordAdjustment(ctx context.Context, res model.RouteAdjustmentResult, outcome string) {
	e.adj.Store(&res)
	metrics.MonitorCycles.WithLabelValues(outcome).Inc()
	if e.deps.Store != nil {
		if err := e.deps.Store.SaveAdjustment(context.WithoutCancel(ctx), e.id, res); err != nil {
			log.Printf("batch=%s op=store.save_adjustment err=%v", e.id, err)
		}
	}
	e.deps.publish(ctx, events.New(events.AdjustmentEvaluated, e.id, res))
}

// sameWaypoints reports whether r covers exactly the given waypoints.
func sameWaypoints(r model.OptimizedRoute, wps []model.Waypoint) bool {
	if len(r.Waypoints) != len(wps) {
		return false
	}
	ids := make(map[string]bool, len(wps))
	for _, w := range wps {
		ids[w.ID] = true
	}
	for _, w := range r.Waypoints {
		if !ids[w.ID] {
			return false
		}
	}
	return true
}
