package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"batchnav/internal/batch"
	"batchnav/internal/events"
	"batchnav/internal/metrics"
	"batchnav/internal/model"
	"batchnav/internal/monitor"
	"batchnav/internal/obs"
	"batchnav/internal/opt"
	"batchnav/internal/reorder"
)

func (e *Engine) Start(ctx context.Context) error {
	return e.mutate(ctx, func(b *batch.Batch) error { return b.Start(e.now()) })
}

func (e *Engine) Pause(ctx context.Context) error {
	return e.mutate(ctx, func(b *batch.Batch) error { return b.Pause() })
}

func (e *Engine) Resume(ctx context.Context) error {
	return e.mutate(ctx, func(b *batch.Batch) error { return b.Resume() })
}

// Cancel closes the batch. A computation still running is discarded when
// it finishes.
func (e *Engine) Cancel(ctx context.Context, reason string) error {
	return e.mutate(ctx, func(b *batch.Batch) error { return b.Cancel(reason, e.now()) })
}

// plan computes the first route of a new batch.
func (e *Engine) plan(ctx context.Context) (model.OptimizedRoute, error) {
	return e.replan(ctx, nil, nil)
}

// AddOrder admits an order and installs a route covering it. With a
// deviation limit set the new route must stay within MaxDeviationKm of the
// longest single-order trip; otherwise the order is refused and nothing
// changes.
func (e *Engine) AddOrder(ctx context.Context, o model.Order) (model.OptimizedRoute, error) {
	var check func(context.Context, working, model.OptimizedRoute) error
	if e.Snapshot().MaxDeviationKm > 0 {
		check = e.checkDeviation
	}
	r, err := e.replan(ctx, func(b *batch.Batch) error { return b.AddOrder(o) }, check)
	if err != nil {
		return r, err
	}
	e.Trigger(monitor.Trigger{OrdersChanged: true, Source: "order_added", Conditions: e.Baseline()})
	return r, nil
}

func (e *Engine) checkDeviation(ctx context.Context, w working, r model.OptimizedRoute) error {
	limit := w.b.MaxDeviationKm() * 1000
	var pts []model.GeoPoint
	if w.driver != nil {
		pts = append(pts, *w.driver)
	}
	for _, wp := range r.Waypoints {
		pts = append(pts, wp.Location)
	}
	total, err := e.deps.Directions.EstimateLegSequence(ctx, pts)
	if err != nil {
		return err
	}
	var longest float64
	for _, o := range w.b.Orders() {
		single, err := e.deps.Directions.EstimateLegSequence(ctx, []model.GeoPoint{o.VendorLocation, o.DeliveryLocation})
		if err != nil {
			return err
		}
		if single.DistanceMeters > longest {
			longest = single.DistanceMeters
		}
	}
	if extra := total.DistanceMeters - longest; extra > limit {
		return fmt.Errorf("batch %s: %.0fm over the longest single trip, limit %.0fm: %w", e.id, extra, limit, model.ErrDeviationExceeded)
	}
	return nil
}

// RemoveOrder drops an order. If fewer than two orders remain the batch
// degrades: it is closed and batch.degraded names the order left over.
func (e *Engine) RemoveOrder(ctx context.Context, orderID string) (*model.OptimizedRoute, error) {
	e.mu.Lock()
	probe := e.b.Clone()
	e.mu.Unlock()
	degraded, err := probe.RemoveOrder(orderID, e.now())
	if err != nil {
		return nil, err
	}
	if !degraded {
		r, err := e.replan(ctx, func(b *batch.Batch) error {
			_, err := b.RemoveOrder(orderID, e.now())
			return err
		}, nil)
		if err != nil {
			return nil, err
		}
		e.Trigger(monitor.Trigger{OrdersChanged: true, Source: "order_removed", Conditions: e.Baseline()})
		return &r, nil
	}

	var remaining []string
	err = e.mutate(ctx, func(b *batch.Batch) error {
		d, err := b.RemoveOrder(orderID, e.now())
		if err != nil {
			return err
		}
		if !d {
			// another order went away meanwhile; let the caller retry
			return fmt.Errorf("remove order %s: batch changed: %w", orderID, model.ErrInvalidTransition)
		}
		remaining = b.OrderIDs()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.deps.publish(ctx, events.New(events.BatchDegraded, e.id, events.DegradedData{Reason: "orders_below_minimum", RemainingOrders: remaining}))
	return nil, nil
}

// MarkWaypoint records driver progress. The installed route follows the new
// statuses without a recomputation.
func (e *Engine) MarkWaypoint(ctx context.Context, kind model.WaypointKind, orderID string, to model.WaypointStatus) (batch.Transition, error) {
	var tr batch.Transition
	err := e.mutate(ctx, func(b *batch.Batch) error {
		var err error
		tr, err = b.MarkWaypoint(kind, orderID, to, e.now())
		return err
	})
	if err != nil {
		return tr, err
	}
	if tr.OrderDelivered {
		e.deps.publish(ctx, events.New(events.OrderDelivered, e.id, events.DeliveredData{OrderID: orderID, CompletedAt: *tr.Waypoint.CompletedAt}))
	}
	if to == model.WaypointFailed {
		log.Printf("batch=%s op=engine.mark_waypoint order=%s kind=%s failures=%d", e.id, orderID, kind, tr.Waypoint.Failures)
	}
	return tr, nil
}

// Retry puts a failed leg back in play. Past the retry budget it returns
// model.ErrRetryExhausted and the leg needs manual intervention.
func (e *Engine) Retry(ctx context.Context, kind model.WaypointKind, orderID string) (model.Waypoint, error) {
	var w model.Waypoint
	err := e.mutate(ctx, func(b *batch.Batch) error {
		var err error
		w, err = b.Retry(kind, orderID)
		return err
	})
	return w, err
}

// Reorder installs the driver's order of orders. Only metrics are
// recomputed; on any failure the current route stays.
func (e *Engine) Reorder(ctx context.Context, orderIDs []string) (model.OptimizedRoute, error) {
	return e.manual(ctx, func(wps []model.Waypoint) ([]model.Waypoint, error) { return reorder.Apply(wps, orderIDs) })
}

// ReorderStops is Reorder at waypoint granularity.
func (e *Engine) ReorderStops(ctx context.Context, stopIDs []string) (model.OptimizedRoute, error) {
	return e.manual(ctx, func(wps []model.Waypoint) ([]model.Waypoint, error) { return reorder.ApplyStops(wps, stopIDs) })
}

func (e *Engine) manual(ctx context.Context, layout func([]model.Waypoint) ([]model.Waypoint, error)) (_ model.OptimizedRoute, err error) {
	ctx = obs.WithBatch(ctx, e.id)
	defer obs.Time(ctx, "engine.reorder")(&err)
	e.computeMu.Lock()
	defer e.computeMu.Unlock()
	for i := 0; i < installAttempts; i++ {
		w, err := e.prepare(func(b *batch.Batch) error {
			wps, err := layout(b.Waypoints())
			if err != nil {
				return err
			}
			b.ApplySequence(reorder.IDs(wps))
			return nil
		})
		if err != nil {
			return model.OptimizedRoute{}, err
		}
		r, err := e.measure(ctx, w)
		if err != nil {
			return model.OptimizedRoute{}, err
		}
		err = e.commit(ctx, w, r, nil)
		if err == errStale {
			continue
		}
		return r, err
	}
	return model.OptimizedRoute{}, fmt.Errorf("reorder batch %s: batch kept changing: %w", e.id, model.ErrInvalidTransition)
}

// measure scores w in its current sequence.
func (e *Engine) measure(ctx context.Context, w working) (model.OptimizedRoute, error) {
	started := time.Now()
	p := e.problem(w)
	var err error
	if p.Costs, err = e.costs(ctx, p); err != nil {
		metrics.OptimizerRuns.WithLabelValues(string(model.ModeManual), "directions_error").Inc()
		return model.OptimizedRoute{}, err
	}
	r, err := opt.Evaluate(p)
	if err != nil {
		metrics.OptimizerRuns.WithLabelValues(string(model.ModeManual), "error").Inc()
		return model.OptimizedRoute{}, err
	}
	metrics.OptimizerRuns.WithLabelValues(string(model.ModeManual), "ok").Inc()
	metrics.OptimizerDuration.WithLabelValues(string(model.ModeManual)).Observe(time.Since(started).Seconds())
	return r, nil
}

// SetLocation records the driver's position. It seeds the origin of the
// next computation while nothing has been visited.
func (e *Engine) SetLocation(ctx context.Context, p model.GeoPoint) error {
	e.mu.Lock()
	if e.b.Status().Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("driver location: %w", model.ErrBatchClosed)
	}
	e.driver = &p
	rec, v := e.recordLocked()
	e.mu.Unlock()
	e.persist(ctx, rec, v)
	return nil
}

// EvaluateNow runs one monitor cycle immediately against the latest
// conditions, recomputing regardless of the impact score.
func (e *Engine) EvaluateNow(ctx context.Context) (model.RouteAdjustmentResult, error) {
	cond := e.Baseline()
	if e.deps.Conditions != nil {
		c, err := e.deps.Conditions.Latest(ctx)
		if err != nil {
			log.Printf("batch=%s op=conditions.latest err=%v", e.id, err)
		} else {
			cond = c
		}
	}
	res, err := e.cycle(ctx, monitor.Trigger{Conditions: cond, Force: true, Source: "manual"})
	if errors.Is(err, errSuperseded) {
		return res, fmt.Errorf("evaluate batch %s: batch kept changing: %w", e.id, model.ErrInvalidTransition)
	}
	return res, err
}
