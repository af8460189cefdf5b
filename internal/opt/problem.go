package opt

import (
	"fmt"
	"sort"
	"time"

	"batchnav/internal/model"
)

// Costs answers pairwise leg questions for the points returned by
// Problem.Locations. Implementations must be pure and cheap; network
// lookups happen before optimization, never during it.
type Costs interface {
	Distance(from, to int) float64 // meters
	Duration(from, to int) float64 // seconds
	Traffic(from, to int) model.TrafficCondition
}

const DefaultMaxIterations = 50

// DefaultMaxExactStops bounds exhaustive search: 8 pending stops (4 orders)
// have at most 2520 precedence-respecting orders.
const DefaultMaxExactStops = 8

// Problem is one optimization request for a single batch.
type Problem struct {
	BatchID   string
	Waypoints []model.Waypoint
	Orders    map[string]model.Order
	// Start is the driver's last known position. Used as the origin only
	// when no waypoint has been visited yet.
	Start         *model.GeoPoint
	DepartAt      time.Time
	Criteria      model.OptimizationCriteria
	Costs         Costs
	MaxIterations int
	// MaxExactStops is the largest number of pending stops searched
	// exhaustively. Zero means DefaultMaxExactStops; negative disables it.
	MaxExactStops int
	ServiceSec    int
}

// Locations lists the points a Costs implementation must cover: every
// waypoint in input order followed by Start when set.
func (p Problem) Locations() []model.GeoPoint {
	out := make([]model.GeoPoint, 0, len(p.Waypoints)+1)
	for _, w := range p.Waypoints {
		out = append(out, w.Location)
	}
	if p.Start != nil {
		out = append(out, *p.Start)
	}
	return out
}

// Stats describe one Optimize call.
type Stats struct {
	Candidates      int           `json:"candidates"`
	Iterations      int           `json:"iterations"`
	Improvements    int           `json:"improvements"`
	IterationCapHit bool          `json:"iterationCapHit"`
	BestScore       float64       `json:"bestScore"`
	Elapsed         time.Duration `json:"elapsedNs"`
}

// instance is the validated, index-based view of a Problem.
type instance struct {
	p        Problem
	n        int
	start    int   // index of Start in Costs, -1 when unset
	fixed    []int // non-pending waypoints by Seq
	free     []int // pending waypoints by Seq
	pickupOf []int // for delivery nodes, the pickup node; -1 otherwise
	fixedSet []bool
	rank     []int // tie-break rank of each node: orderID then pickup before delivery
}

func newInstance(p Problem) (*instance, error) {
	n := len(p.Waypoints)
	in := &instance{p: p, n: n, start: -1, pickupOf: make([]int, n), fixedSet: make([]bool, n)}
	if p.Start != nil {
		in.start = n
	}
	pick := map[string]int{}
	drop := map[string]int{}
	seen := map[string]bool{}
	for i, w := range p.Waypoints {
		if !w.Kind.Valid() || !w.Status.Valid() {
			return nil, fmt.Errorf("waypoint %s kind=%q status=%q: %w", w.ID, w.Kind, w.Status, model.ErrMalformedBatch)
		}
		if seen[w.ID] {
			return nil, fmt.Errorf("duplicate waypoint %s: %w", w.ID, model.ErrMalformedBatch)
		}
		seen[w.ID] = true
		target := pick
		if w.Kind == model.Delivery {
			target = drop
		}
		if _, dup := target[w.OrderID]; dup {
			return nil, fmt.Errorf("order %s has two %s waypoints: %w", w.OrderID, w.Kind, model.ErrMalformedBatch)
		}
		target[w.OrderID] = i
	}
	for id := range drop {
		if _, ok := pick[id]; !ok {
			return nil, fmt.Errorf("order %s delivery without pickup: %w", id, model.ErrMalformedBatch)
		}
	}
	for id := range pick {
		if _, ok := drop[id]; !ok {
			return nil, fmt.Errorf("order %s pickup without delivery: %w", id, model.ErrMalformedBatch)
		}
	}
	for i, w := range p.Waypoints {
		in.pickupOf[i] = -1
		if w.Kind == model.Delivery {
			in.pickupOf[i] = pick[w.OrderID]
		}
		if w.Status == model.WaypointPending {
			in.free = append(in.free, i)
		} else {
			in.fixed = append(in.fixed, i)
			in.fixedSet[i] = true
		}
	}
	bySeq := func(s []int) {
		sort.SliceStable(s, func(a, b int) bool { return p.Waypoints[s[a]].Seq < p.Waypoints[s[b]].Seq })
	}
	bySeq(in.fixed)
	bySeq(in.free)

	// a visited delivery needs its pickup visited earlier
	pos := map[int]int{}
	for k, i := range in.fixed {
		pos[i] = k
	}
	for _, i := range in.fixed {
		if pk := in.pickupOf[i]; pk >= 0 {
			if kp, ok := pos[pk]; !ok || kp > pos[i] {
				return nil, fmt.Errorf("order %s delivered before pickup: %w", p.Waypoints[i].OrderID, model.ErrMalformedBatch)
			}
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return tieKeyLess(p.Waypoints[order[a]], p.Waypoints[order[b]]) })
	in.rank = make([]int, n)
	for r, i := range order {
		in.rank[i] = r
	}
	return in, nil
}

func tieKeyLess(a, b model.Waypoint) bool {
	if a.OrderID != b.OrderID {
		return a.OrderID < b.OrderID
	}
	return a.Kind == model.Pickup && b.Kind == model.Delivery
}

// anchor is where the remaining route starts: the last visited waypoint,
// else the driver position, else nowhere (-1).
func (in *instance) anchor() int {
	for k := len(in.fixed) - 1; k >= 0; k-- {
		if in.p.Waypoints[in.fixed[k]].Status != model.WaypointFailed {
			return in.fixed[k]
		}
	}
	return in.start
}

// feasible reports whether seq keeps every pickup ahead of its delivery.
func (in *instance) feasible(seq []int) bool {
	placed := make([]bool, in.n)
	for _, i := range in.fixed {
		placed[i] = true
	}
	for _, i := range seq {
		if pk := in.pickupOf[i]; pk >= 0 && !placed[pk] {
			return false
		}
		placed[i] = true
	}
	return true
}
