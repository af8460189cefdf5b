package opt

import (
	"sort"
	"time"

	"batchnav/internal/model"
)

// Optimize orders the pending waypoints of a batch. Visited waypoints keep
// their relative order at the front of the route. Up to MaxExactStops
// pending stops every precedence-respecting order is scored; larger
// batches use nearest-neighbour construction followed by bounded local
// search, which is deterministic but not exact. Reaching the iteration cap
// is reported in Stats and the best route found is still returned.
func Optimize(p Problem) (model.OptimizedRoute, Stats, error) {
	started := time.Now()
	if p.MaxIterations <= 0 {
		p.MaxIterations = DefaultMaxIterations
	}
	if p.MaxExactStops == 0 {
		p.MaxExactStops = DefaultMaxExactStops
	}
	if p.Costs == nil {
		p.Costs = StraightLine(p.Locations(), DefaultSpeedKph)
	}
	in, err := newInstance(p)
	if err != nil {
		return model.OptimizedRoute{}, Stats{}, err
	}
	sc := newScorer(in)
	var st Stats

	var best []int
	if len(in.free) <= p.MaxExactStops {
		best = exhaustive(in, sc, &st)
	} else {
		best = search(in, sc, &st)
	}
	route := in.route(best, sc.eval(best, true), model.ModeOptimized)
	st.BestScore = route.OptimizationScore
	st.Elapsed = time.Since(started)
	return route, st, nil
}

// exhaustive scores every order of the free nodes that keeps pickups ahead
// of their deliveries.
func exhaustive(in *instance, sc *scorer, st *Stats) []int {
	placed := make([]bool, in.n)
	for _, i := range in.fixed {
		placed[i] = true
	}
	seq := make([]int, 0, len(in.free))
	var best []int
	var bestEv evaluation
	var walk func()
	walk = func() {
		if len(seq) == len(in.free) {
			ev := sc.eval(seq, false)
			st.Candidates++
			if best == nil || better(in, ev, seq, bestEv, best) {
				best, bestEv = append([]int{}, seq...), ev
			}
			return
		}
		for _, i := range in.free {
			if placed[i] {
				continue
			}
			if pk := in.pickupOf[i]; pk >= 0 && !placed[pk] {
				continue
			}
			placed[i] = true
			seq = append(seq, i)
			walk()
			seq = seq[:len(seq)-1]
			placed[i] = false
		}
	}
	walk()
	return best
}

// search improves the incumbent order and one greedy construction per
// eligible first stop (plus one from the anchor) and keeps the best.
func search(in *instance, sc *scorer, st *Stats) []int {
	var best []int
	var bestEv evaluation
	consider := func(seq []int) {
		seq, ev := improve(in, sc, seq, st)
		st.Candidates++
		if best == nil || better(in, ev, seq, bestEv, best) {
			best, bestEv = seq, ev
		}
	}
	// the incumbent order competes with the constructed ones
	if in.feasible(in.free) {
		consider(append([]int(nil), in.free...))
	}
	if in.anchor() >= 0 {
		consider(construct(in, in.anchor(), nil))
	}
	for _, first := range in.byRank(in.free) {
		if pk := in.pickupOf[first]; pk >= 0 && !in.fixedSet[pk] {
			continue
		}
		consider(construct(in, first, []int{first}))
	}
	return best
}

// Evaluate scores the waypoints in their current Seq order without
// searching. The same input always produces the same metrics.
func Evaluate(p Problem) (model.OptimizedRoute, error) {
	if p.Costs == nil {
		p.Costs = StraightLine(p.Locations(), DefaultSpeedKph)
	}
	in, err := newInstance(p)
	if err != nil {
		return model.OptimizedRoute{}, err
	}
	if !in.feasible(in.free) {
		return model.OptimizedRoute{}, model.ErrMalformedBatch
	}
	sc := newScorer(in)
	return in.route(in.free, sc.eval(in.free, true), model.ModeManual), nil
}

// construct extends prefix greedily by distance from the last placed node,
// only ever choosing nodes whose pickup is already placed.
func construct(in *instance, from int, prefix []int) []int {
	placed := make([]bool, in.n)
	for _, i := range in.fixed {
		placed[i] = true
	}
	for _, i := range prefix {
		placed[i] = true
	}
	seq := append([]int(nil), prefix...)
	cur := from
	for len(seq) < len(in.free) {
		next := -1
		var nextDist float64
		for _, i := range in.free {
			if placed[i] {
				continue
			}
			if pk := in.pickupOf[i]; pk >= 0 && !placed[pk] {
				continue
			}
			d := in.p.Costs.Distance(cur, i)
			if next < 0 || d < nextDist-1e-9 || (d <= nextDist+1e-9 && in.rank[i] < in.rank[next]) {
				next, nextDist = i, d
			}
		}
		if next < 0 {
			break
		}
		seq = append(seq, next)
		placed[next] = true
		cur = next
	}
	return seq
}

// improve runs first-improvement local search with 2-opt reversal,
// exchange, relocation and whole-order moves until no move lowers the weighted cost or the
// iteration cap is reached.
func improve(in *instance, sc *scorer, seq []int, st *Stats) ([]int, evaluation) {
	ev := sc.eval(seq, false)
	n := len(seq)
	iters := 0
	for {
		if iters >= in.p.MaxIterations {
			st.IterationCapHit = true
			break
		}
		moved := false
		try := func(cand []int) bool {
			if !in.feasible(cand) {
				return false
			}
			cev := sc.eval(cand, false)
			if cev.cost < ev.cost-1e-9 {
				seq, ev = cand, cev
				return true
			}
			return false
		}
	search:
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				if try(twoOptSwap(seq, i, k)) || try(exchange(seq, i, k)) {
					moved = true
					break search
				}
			}
		}
		if !moved {
		reloc:
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					if j == i {
						continue
					}
					if try(relocate(seq, i, j)) {
						moved = true
						break reloc
					}
				}
			}
		}
		if !moved {
		block:
			for _, d := range seq {
				pk := in.pickupOf[d]
				if pk < 0 || in.fixedSet[pk] {
					continue
				}
				for j := 0; j <= n-2; j++ {
					if try(moveOrder(seq, pk, d, j)) {
						moved = true
						break block
					}
				}
			}
		}
		iters++
		st.Iterations++
		if !moved {
			break
		}
		st.Improvements++
	}
	return seq, ev
}

const scoreEpsilon = 0.5

// better reports whether candidate a beats b. Scores within scoreEpsilon
// fall back to distance, then duration, then order id sequence.
func better(in *instance, a evaluation, aseq []int, b evaluation, bseq []int) bool {
	if d := a.score - b.score; d > scoreEpsilon || d < -scoreEpsilon {
		return d > 0
	}
	if a.distance < b.distance-1e-9 || a.distance > b.distance+1e-9 {
		return a.distance < b.distance
	}
	if a.duration < b.duration-1e-9 || a.duration > b.duration+1e-9 {
		return a.duration < b.duration
	}
	for i := 0; i < len(aseq) && i < len(bseq); i++ {
		if in.rank[aseq[i]] != in.rank[bseq[i]] {
			return in.rank[aseq[i]] < in.rank[bseq[i]]
		}
	}
	return false
}

func (in *instance) byRank(s []int) []int {
	out := append([]int(nil), s...)
	sort.Slice(out, func(a, b int) bool { return in.rank[out[a]] < in.rank[out[b]] })
	return out
}

// route materializes an immutable snapshot: visited waypoints first, then
// seq, with Seq renumbered from zero.
func (in *instance) route(seq []int, ev evaluation, mode model.RouteMode) model.OptimizedRoute {
	p := in.p
	r := model.OptimizedRoute{
		BatchID:              p.BatchID,
		Waypoints:            make([]model.Waypoint, 0, in.n),
		Legs:                 ev.legs,
		TotalDistanceMeters:  int(ev.distance + 0.5),
		TotalDurationSeconds: int(ev.duration + 0.5),
		OptimizationScore:    ev.score,
		OverallTraffic:       ev.worst,
		Criteria:             p.Criteria.Normalized(),
		CostBreakdown:        ev.breakdown(),
		Mode:                 mode,
		CalculatedAt:         p.DepartAt,
	}
	for _, i := range append(append([]int(nil), in.fixed...), seq...) {
		w := copyWaypoint(p.Waypoints[i])
		w.Seq = len(r.Waypoints)
		if eta, ok := ev.eta[i]; ok {
			w.ETA = &eta
		}
		r.Waypoints = append(r.Waypoints, w)
	}
	return r
}

func copyWaypoint(w model.Waypoint) model.Waypoint {
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		w.CompletedAt = &t
	}
	w.ETA = nil
	return w
}
