// Package batch holds the mutable DeliveryBatch aggregate: lifecycle,
// waypoint status changes and the per-order tracker. Callers serialize
// access; readers get deep copies through Snapshot.
package batch

import (
	"fmt"
	"sort"
	"time"

	"batchnav/internal/model"
)

const (
	DefaultMaxOrders   = 3
	DefaultRetryBudget = 1
)

// Options configure a new batch.
type Options struct {
	MaxOrders      int
	MaxDeviationKm float64
	RetryBudget    int
	Criteria       model.OptimizationCriteria
}

type Batch struct {
	d           model.DeliveryBatch
	retryBudget int
}

// New creates a planned batch. It needs at least two orders and no more
// than MaxOrders.
func New(id, driverID string, orders []model.Order, opts Options, now time.Time) (*Batch, error) {
	if opts.MaxOrders <= 0 {
		opts.MaxOrders = DefaultMaxOrders
	}
	if len(orders) < 2 {
		return nil, fmt.Errorf("new batch %s: %w", id, model.ErrTooFewOrders)
	}
	if len(orders) > opts.MaxOrders {
		return nil, fmt.Errorf("new batch %s: %d orders, max %d: %w", id, len(orders), opts.MaxOrders, model.ErrBatchFull)
	}
	b := &Batch{
		d: model.DeliveryBatch{
			ID:             id,
			DriverID:       driverID,
			MaxOrders:      opts.MaxOrders,
			MaxDeviationKm: opts.MaxDeviationKm,
			Status:         model.BatchPlanned,
			Criteria:       opts.Criteria.Normalized(),
			CreatedAt:      now,
		},
		retryBudget: budgetOr(opts.RetryBudget),
	}
	for _, o := range orders {
		if err := b.appendOrder(o); err != nil {
			return nil, fmt.Errorf("new batch %s: %w", id, err)
		}
	}
	return b, nil
}

// FromSnapshot rebuilds a batch from a stored snapshot.
func FromSnapshot(d model.DeliveryBatch, retryBudget int) *Batch {
	return &Batch{d: copyBatch(d), retryBudget: budgetOr(retryBudget)}
}

func budgetOr(n int) int {
	if n <= 0 {
		return DefaultRetryBudget
	}
	return n
}

func (b *Batch) ID() string                { return b.d.ID }
func (b *Batch) Status() model.BatchStatus { return b.d.Status }
func (b *Batch) RetryBudget() int          { return b.retryBudget }
func (b *Batch) Criteria() model.OptimizationCriteria {
	return b.d.Criteria
}
func (b *Batch) MaxDeviationKm() float64 { return b.d.MaxDeviationKm }

// Snapshot returns a deep copy safe to hand to readers.
func (b *Batch) Snapshot() model.DeliveryBatch { return copyBatch(b.d) }

// Clone returns an independent batch with the same state.
func (b *Batch) Clone() *Batch { return &Batch{d: copyBatch(b.d), retryBudget: b.retryBudget} }

// Waypoints returns a copy of the waypoints in sequence order.
func (b *Batch) Waypoints() []model.Waypoint {
	out := append([]model.Waypoint(nil), b.d.Waypoints...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Orders returns the batch orders keyed by ID.
func (b *Batch) Orders() map[string]model.Order {
	out := make(map[string]model.Order, len(b.d.Orders))
	for _, o := range b.d.Orders {
		out[o.ID] = o
	}
	return out
}

func (b *Batch) OrderIDs() []string {
	out := make([]string, len(b.d.Orders))
	for i, o := range b.d.Orders {
		out[i] = o.ID
	}
	return out
}

func (b *Batch) SetCriteria(c model.OptimizationCriteria) { b.d.Criteria = c.Normalized() }

// Start moves a planned batch to active.
func (b *Batch) Start(now time.Time) error {
	if b.d.Status != model.BatchPlanned {
		return fmt.Errorf("start batch %s from %s: %w", b.d.ID, b.d.Status, model.ErrInvalidTransition)
	}
	b.d.Status = model.BatchActive
	t := now
	b.d.ActualStartTime = &t
	return nil
}

func (b *Batch) Pause() error {
	if b.d.Status != model.BatchActive {
		return fmt.Errorf("pause batch %s from %s: %w", b.d.ID, b.d.Status, model.ErrInvalidTransition)
	}
	b.d.Status = model.BatchPaused
	return nil
}

func (b *Batch) Resume() error {
	if b.d.Status != model.BatchPaused {
		return fmt.Errorf("resume batch %s from %s: %w", b.d.ID, b.d.Status, model.ErrInvalidTransition)
	}
	b.d.Status = model.BatchActive
	return nil
}

// Cancel is terminal and irreversible.
func (b *Batch) Cancel(reason string, now time.Time) error {
	if b.d.Status.Terminal() {
		return fmt.Errorf("cancel batch %s from %s: %w", b.d.ID, b.d.Status, model.ErrInvalidTransition)
	}
	b.d.Status = model.BatchCancelled
	b.d.CancelReason = reason
	t := now
	b.d.ActualCompletionTime = &t
	return nil
}

// AddOrder appends the order's pickup and delivery at the end of the
// sequence. Capacity counts orders not yet delivered.
func (b *Batch) AddOrder(o model.Order) error {
	if b.d.Status.Terminal() {
		return fmt.Errorf("add order %s: %w", o.ID, model.ErrBatchClosed)
	}
	if b.liveOrders() >= b.d.MaxOrders {
		return fmt.Errorf("add order %s: %w", o.ID, model.ErrBatchFull)
	}
	return b.appendOrder(o)
}

func (b *Batch) appendOrder(o model.Order) error {
	if o.ID == "" {
		return fmt.Errorf("order without id: %w", model.ErrMalformedBatch)
	}
	for _, have := range b.d.Orders {
		if have.ID == o.ID {
			return fmt.Errorf("order %s: %w", o.ID, model.ErrDuplicateOrder)
		}
	}
	next := 0
	for _, w := range b.d.Waypoints {
		if w.Seq >= next {
			next = w.Seq + 1
		}
	}
	b.d.Orders = append(b.d.Orders, o)
	b.d.Waypoints = append(b.d.Waypoints,
		model.Waypoint{ID: WaypointID(o.ID, model.Pickup), OrderID: o.ID, Kind: model.Pickup, Location: o.VendorLocation, Seq: next, Status: model.WaypointPending},
		model.Waypoint{ID: WaypointID(o.ID, model.Delivery), OrderID: o.ID, Kind: model.Delivery, Location: o.DeliveryLocation, Seq: next + 1, Status: model.WaypointPending},
	)
	return nil
}

// RemoveOrder drops an order and its waypoints. Allowed while the food has
// not been collected, or when a leg of the order is terminally failed.
// degraded reports that fewer than two orders remain; the batch is then
// closed and the remaining order continues as a single delivery.
func (b *Batch) RemoveOrder(orderID string, now time.Time) (degraded bool, err error) {
	if b.d.Status.Terminal() {
		return false, fmt.Errorf("remove order %s: %w", orderID, model.ErrBatchClosed)
	}
	p, d, ok := b.legs(orderID)
	if !ok {
		return false, fmt.Errorf("remove order %s: %w", orderID, model.ErrUnknownOrder)
	}
	collected := p.Status == model.WaypointInProgress || p.Status == model.WaypointCompleted
	if collected && !b.terminallyFailed(p) && !b.terminallyFailed(d) {
		return false, fmt.Errorf("remove order %s after pickup: %w", orderID, model.ErrInvalidTransition)
	}
	orders := b.d.Orders[:0:0]
	for _, o := range b.d.Orders {
		if o.ID != orderID {
			orders = append(orders, o)
		}
	}
	wps := b.d.Waypoints[:0:0]
	for _, w := range b.d.Waypoints {
		if w.OrderID != orderID {
			wps = append(wps, w)
		}
	}
	b.d.Orders = orders
	b.d.Waypoints = wps
	b.resequence()
	if len(b.d.Orders) < 2 {
		b.d.Status = model.BatchCancelled
		b.d.CancelReason = "degraded"
		t := now
		b.d.ActualCompletionTime = &t
		return true, nil
	}
	b.maybeComplete(now)
	return false, nil
}

// Transition describes the outcome of a successful MarkWaypoint.
type Transition struct {
	Waypoint       model.Waypoint
	From           model.WaypointStatus
	OrderDelivered bool
	BatchCompleted bool
}

// MarkWaypoint applies a status change to the order's pickup or delivery.
// On error nothing changes.
func (b *Batch) MarkWaypoint(kind model.WaypointKind, orderID string, to model.WaypointStatus, now time.Time) (Transition, error) {
	if !kind.Valid() || !to.Valid() {
		return Transition{}, fmt.Errorf("mark %s/%s -> %s: %w", orderID, kind, to, model.ErrInvalidTransition)
	}
	if b.d.Status != model.BatchActive {
		return Transition{}, fmt.Errorf("mark %s/%s in %s batch: %w", orderID, kind, b.d.Status, model.ErrInvalidTransition)
	}
	i := b.index(orderID, kind)
	if i < 0 {
		return Transition{}, fmt.Errorf("mark %s/%s: %w", orderID, kind, model.ErrUnknownOrder)
	}
	w := &b.d.Waypoints[i]
	from := w.Status
	if !allowed(from, to) {
		return Transition{}, fmt.Errorf("mark %s/%s %s -> %s: %w", orderID, kind, from, to, model.ErrInvalidTransition)
	}
	if kind == model.Delivery {
		p := b.d.Waypoints[b.index(orderID, model.Pickup)]
		if p.Status != model.WaypointCompleted {
			return Transition{}, fmt.Errorf("mark %s/delivery %s before pickup completed: %w", orderID, to, model.ErrInvalidTransition)
		}
	}
	w.Status = to
	switch to {
	case model.WaypointFailed:
		w.Failures++
	case model.WaypointCompleted:
		t := now
		w.CompletedAt = &t
	}
	tr := Transition{Waypoint: *w, From: from}
	tr.OrderDelivered = kind == model.Delivery && to == model.WaypointCompleted
	tr.BatchCompleted = b.maybeComplete(now)
	return tr, nil
}

// allowed encodes pending -> in_progress -> completed and
// pending|in_progress -> failed. Failed only leaves through Retry.
func allowed(from, to model.WaypointStatus) bool {
	switch from {
	case model.WaypointPending:
		return to == model.WaypointInProgress || to == model.WaypointFailed
	case model.WaypointInProgress:
		return to == model.WaypointCompleted || to == model.WaypointFailed
	case model.WaypointCompleted, model.WaypointFailed:
		return false
	}
	return false
}

// Retry moves a failed leg back to pending while the retry budget lasts.
func (b *Batch) Retry(kind model.WaypointKind, orderID string) (model.Waypoint, error) {
	if b.d.Status != model.BatchActive && b.d.Status != model.BatchPaused {
		return model.Waypoint{}, fmt.Errorf("retry %s/%s in %s batch: %w", orderID, kind, b.d.Status, model.ErrInvalidTransition)
	}
	i := b.index(orderID, kind)
	if i < 0 {
		return model.Waypoint{}, fmt.Errorf("retry %s/%s: %w", orderID, kind, model.ErrUnknownOrder)
	}
	w := &b.d.Waypoints[i]
	if w.Status != model.WaypointFailed {
		return model.Waypoint{}, fmt.Errorf("retry %s/%s from %s: %w", orderID, kind, w.Status, model.ErrInvalidTransition)
	}
	if w.Failures > b.retryBudget {
		return model.Waypoint{}, fmt.Errorf("retry %s/%s after %d failures: %w", orderID, kind, w.Failures, model.ErrRetryExhausted)
	}
	w.Status = model.WaypointPending
	return *w, nil
}

// ApplySequence takes the waypoint order of an installed route. Waypoints
// missing from seq keep their relative order after the listed ones.
func (b *Batch) ApplySequence(seq []string) {
	pos := make(map[string]int, len(seq))
	for i, id := range seq {
		pos[id] = i
	}
	sort.SliceStable(b.d.Waypoints, func(i, j int) bool {
		pi, iok := pos[b.d.Waypoints[i].ID]
		pj, jok := pos[b.d.Waypoints[j].ID]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		}
		return b.d.Waypoints[i].Seq < b.d.Waypoints[j].Seq
	})
	for i := range b.d.Waypoints {
		b.d.Waypoints[i].Seq = i
	}
}

// Progress summarizes completion for presentation.
type Progress struct {
	CompletedPickups    int             `json:"completedPickups"`
	CompletedDeliveries int             `json:"completedDeliveries"`
	Active              *model.Waypoint `json:"active,omitempty"`
	OverallPercent      float64         `json:"overallProgressPercent"`
}

func (b *Batch) Progress() Progress { return ProgressOf(b.d.Waypoints) }

// ProgressOf computes progress from any waypoint list.
func ProgressOf(wps []model.Waypoint) Progress {
	var p Progress
	sorted := append([]model.Waypoint(nil), wps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	done := 0
	for i, w := range sorted {
		if w.Status == model.WaypointCompleted {
			done++
			if w.Kind == model.Pickup {
				p.CompletedPickups++
			} else {
				p.CompletedDeliveries++
			}
			continue
		}
		if w.Status != model.WaypointFailed && p.Active == nil {
			a := sorted[i]
			p.Active = &a
		}
	}
	if len(sorted) > 0 {
		p.OverallPercent = float64(done) / float64(len(sorted)) * 100
	}
	return p
}

// maybeComplete closes an active batch once every waypoint is completed.
func (b *Batch) maybeComplete(now time.Time) bool {
	if b.d.Status != model.BatchActive || len(b.d.Waypoints) == 0 {
		return false
	}
	for _, w := range b.d.Waypoints {
		if w.Status != model.WaypointCompleted {
			return false
		}
	}
	b.d.Status = model.BatchCompleted
	t := now
	b.d.ActualCompletionTime = &t
	return true
}

func (b *Batch) liveOrders() int {
	n := 0
	for _, o := range b.d.Orders {
		if _, d, ok := b.legs(o.ID); ok && d.Status != model.WaypointCompleted {
			n++
		}
	}
	return n
}

func (b *Batch) terminallyFailed(w model.Waypoint) bool {
	return w.Status == model.WaypointFailed && w.Failures > b.retryBudget
}

func (b *Batch) legs(orderID string) (pickup, delivery model.Waypoint, ok bool) {
	pi, di := b.index(orderID, model.Pickup), b.index(orderID, model.Delivery)
	if pi < 0 || di < 0 {
		return model.Waypoint{}, model.Waypoint{}, false
	}
	return b.d.Waypoints[pi], b.d.Waypoints[di], true
}

func (b *Batch) index(orderID string, kind model.WaypointKind) int {
	for i, w := range b.d.Waypoints {
		if w.OrderID == orderID && w.Kind == kind {
			return i
		}
	}
	return -1
}

func (b *Batch) resequence() {
	sort.SliceStable(b.d.Waypoints, func(i, j int) bool { return b.d.Waypoints[i].Seq < b.d.Waypoints[j].Seq })
	for i := range b.d.Waypoints {
		b.d.Waypoints[i].Seq = i
	}
}

// WaypointID is stable per order and kind.
func WaypointID(orderID string, kind model.WaypointKind) string {
	return orderID + "/" + string(kind)
}

// Copy deep-copies a batch snapshot.
func Copy(d model.DeliveryBatch) model.DeliveryBatch { return copyBatch(d) }

func copyBatch(d model.DeliveryBatch) model.DeliveryBatch {
	out := d
	out.Orders = append([]model.Order(nil), d.Orders...)
	out.Waypoints = make([]model.Waypoint, len(d.Waypoints))
	for i, w := range d.Waypoints {
		out.Waypoints[i] = copyWaypoint(w)
	}
	out.ActualStartTime = copyTime(d.ActualStartTime)
	out.ActualCompletionTime = copyTime(d.ActualCompletionTime)
	return out
}

func copyWaypoint(w model.Waypoint) model.Waypoint {
	w.CompletedAt = copyTime(w.CompletedAt)
	w.ETA = copyTime(w.ETA)
	return w
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
