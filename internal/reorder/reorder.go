// Package reorder validates driver-supplied stop orders. It only produces a
// new waypoint sequence; metrics are recomputed by the caller.
package reorder

import (
	"fmt"
	"sort"

	"batchnav/internal/model"
)

// Apply lays out the batch in the given order of order IDs. Visited
// waypoints (anything not pending) stay frozen at the front in their
// current order; then, for each order in turn, its pending pickup followed
// by its pending delivery. The list must name every order of the batch
// exactly once. The input slice is not modified.
func Apply(wps []model.Waypoint, sequence []string) ([]model.Waypoint, error) {
	fixed, free := split(wps)
	orders := map[string]bool{}
	for _, w := range wps {
		orders[w.OrderID] = true
	}
	seen := make(map[string]bool, len(sequence))
	for _, id := range sequence {
		if !orders[id] {
			return nil, fmt.Errorf("order %s not in batch: %w", id, model.ErrInvalidSequence)
		}
		if seen[id] {
			return nil, fmt.Errorf("order %s listed twice: %w", id, model.ErrInvalidSequence)
		}
		seen[id] = true
	}
	if len(seen) != len(orders) {
		var missing []string
		for id := range orders {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("orders %v missing from sequence: %w", missing, model.ErrInvalidSequence)
	}

	byOrder := map[string][]model.Waypoint{}
	for _, w := range free {
		byOrder[w.OrderID] = append(byOrder[w.OrderID], w)
	}
	out := append([]model.Waypoint(nil), fixed...)
	for _, id := range sequence {
		legs := byOrder[id]
		sort.SliceStable(legs, func(i, j int) bool { return legs[i].Kind == model.Pickup && legs[j].Kind == model.Delivery })
		out = append(out, legs...)
	}
	return finish(out)
}

// ApplyStops takes an explicit order of the pending waypoint IDs, so
// pickups and deliveries of different orders may interleave. Every pending
// waypoint must be listed once; visited ones are frozen and must not be.
func ApplyStops(wps []model.Waypoint, stopIDs []string) ([]model.Waypoint, error) {
	fixed, free := split(wps)
	pending := make(map[string]model.Waypoint, len(free))
	for _, w := range free {
		pending[w.ID] = w
	}
	all := make(map[string]bool, len(wps))
	for _, w := range wps {
		all[w.ID] = true
	}
	out := append([]model.Waypoint(nil), fixed...)
	seen := make(map[string]bool, len(stopIDs))
	for _, id := range stopIDs {
		w, ok := pending[id]
		switch {
		case seen[id]:
			return nil, fmt.Errorf("stop %s listed twice: %w", id, model.ErrInvalidSequence)
		case !ok && all[id]:
			return nil, fmt.Errorf("stop %s already visited: %w", id, model.ErrInvalidSequence)
		case !ok:
			return nil, fmt.Errorf("stop %s not in batch: %w", id, model.ErrInvalidSequence)
		}
		seen[id] = true
		out = append(out, w)
	}
	if len(seen) != len(pending) {
		return nil, fmt.Errorf("%d of %d pending stops given: %w", len(seen), len(pending), model.ErrInvalidSequence)
	}
	return finish(out)
}

// split returns visited and pending waypoints, each in Seq order.
func split(wps []model.Waypoint) (fixed, free []model.Waypoint) {
	sorted := append([]model.Waypoint(nil), wps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	for _, w := range sorted {
		if w.Status == model.WaypointPending {
			free = append(free, w)
		} else {
			fixed = append(fixed, w)
		}
	}
	return fixed, free
}

func finish(out []model.Waypoint) ([]model.Waypoint, error) {
	for i := range out {
		out[i].Seq = i
	}
	if err := CheckPrecedence(out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckPrecedence verifies pickup before delivery for every order, using
// slice position.
func CheckPrecedence(wps []model.Waypoint) error {
	picked := map[string]bool{}
	for _, w := range wps {
		switch w.Kind {
		case model.Pickup:
			picked[w.OrderID] = true
		case model.Delivery:
			if !picked[w.OrderID] {
				return fmt.Errorf("order %s delivered before pickup: %w", w.OrderID, model.ErrInvalidSequence)
			}
		}
	}
	return nil
}

// IDs lists waypoint IDs in slice order.
func IDs(wps []model.Waypoint) []string {
	out := make([]string, len(wps))
	for i, w := range wps {
		out[i] = w.ID
	}
	return out
}
