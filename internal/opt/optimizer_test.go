package opt

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"batchnav/internal/model"
)

var depart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// lineCosts places every point on a line; one unit is 1km at 10 m/s.
type lineCosts struct {
	xs      []float64
	traffic func(a, b int) model.TrafficCondition
}

func (c lineCosts) Distance(a, b int) float64 { return math.Abs(c.xs[a]-c.xs[b]) * 1000 }
func (c lineCosts) Duration(a, b int) float64 { return c.Distance(a, b) / 10 }
func (c lineCosts) Traffic(a, b int) model.TrafficCondition {
	if c.traffic != nil {
		return c.traffic(a, b)
	}
	return model.TrafficClear
}

type stop struct {
	order  string
	kind   model.WaypointKind
	x      float64
	status model.WaypointStatus
}

func problem(start *float64, stops ...stop) Problem {
	p := Problem{BatchID: "b1", DepartAt: depart, Orders: map[string]model.Order{}}
	var xs []float64
	for i, s := range stops {
		st := s.status
		if st == "" {
			st = model.WaypointPending
		}
		p.Waypoints = append(p.Waypoints, model.Waypoint{
			ID: s.order + "/" + string(s.kind), OrderID: s.order, Kind: s.kind,
			Location: model.GeoPoint{Lat: s.x}, Seq: i, Status: st,
		})
		p.Orders[s.order] = model.Order{ID: s.order}
		xs = append(xs, s.x)
	}
	if start != nil {
		p.Start = &model.GeoPoint{Lat: *start}
		xs = append(xs, *start)
	}
	p.Costs = lineCosts{xs: xs}
	return p
}

func ptr(f float64) *float64 { return &f }

// planeCosts is straight-line distance in the plane; one unit is 1km.
type planeCosts struct{ pts [][2]float64 }

func (c planeCosts) Distance(a, b int) float64 {
	return math.Hypot(c.pts[a][0]-c.pts[b][0], c.pts[a][1]-c.pts[b][1]) * 1000
}
func (c planeCosts) Duration(a, b int) float64                  { return c.Distance(a, b) / 10 }
func (c planeCosts) Traffic(int, int) model.TrafficCondition { return model.TrafficClear }

// randomPlaneProblem builds a distance-only batch with stops scattered in a
// 10x10km square, and a driver start half of the time.
func randomPlaneProblem(rng *rand.Rand, orders int) Problem {
	p := Problem{BatchID: "b1", DepartAt: depart, Orders: map[string]model.Order{}, Criteria: model.OptimizationCriteria{DistanceWeight: 1}}
	var pts [][2]float64
	for o := 0; o < orders; o++ {
		id := string(rune('A' + o))
		p.Orders[id] = model.Order{ID: id}
		for _, k := range []model.WaypointKind{model.Pickup, model.Delivery} {
			pt := [2]float64{rng.Float64() * 10, rng.Float64() * 10}
			p.Waypoints = append(p.Waypoints, model.Waypoint{
				ID: id + "/" + string(k), OrderID: id, Kind: k,
				Location: model.GeoPoint{Lat: pt[0], Lng: pt[1]}, Seq: len(p.Waypoints), Status: model.WaypointPending,
			})
			pts = append(pts, pt)
		}
	}
	if rng.Intn(2) == 0 {
		pt := [2]float64{rng.Float64() * 10, rng.Float64() * 10}
		p.Start = &model.GeoPoint{Lat: pt[0], Lng: pt[1]}
		pts = append(pts, pt)
	}
	p.Costs = planeCosts{pts: pts}
	return p
}

func ids(r model.OptimizedRoute) []string { return r.WaypointIDs() }

func assertPrecedence(t *testing.T, r model.OptimizedRoute) {
	t.Helper()
	pick := map[string]int{}
	for i, w := range r.Waypoints {
		if w.Seq != i {
			t.Fatalf("seq %d at position %d", w.Seq, i)
		}
		if w.Kind == model.Pickup {
			pick[w.OrderID] = i
		}
	}
	for i, w := range r.Waypoints {
		if w.Kind == model.Delivery {
			if p, ok := pick[w.OrderID]; !ok || p >= i {
				t.Fatalf("precedence broken for %s: %v", w.OrderID, ids(r))
			}
		}
	}
}

// bruteMinDistance is the shortest feasible remaining route.
func bruteMinDistance(t *testing.T, p Problem) float64 {
	t.Helper()
	in, err := newInstance(p)
	if err != nil {
		t.Fatal(err)
	}
	sc := newScorer(in)
	best := math.Inf(1)
	var perm func(seq, rest []int)
	perm = func(seq, rest []int) {
		if len(rest) == 0 {
			if in.feasible(seq) {
				best = math.Min(best, sc.eval(seq, false).distance)
			}
			return
		}
		for i := range rest {
			next := append(append([]int(nil), rest[:i]...), rest[i+1:]...)
			perm(append(append([]int(nil), seq...), rest[i]), next)
		}
	}
	perm(nil, in.free)
	return best
}

func TestOptimizeEmpty(t *testing.T) {
	r, _, err := Optimize(Problem{Criteria: model.BalancedCriteria()})
	if err != nil {
		t.Fatalf("empty: %v", err)
	}
	if r.OptimizationScore != 100 || r.TotalDistanceMeters != 0 || r.TotalDurationSeconds != 0 {
		t.Fatalf("empty route %+v", r)
	}
	if r.OverallTraffic != model.TrafficClear {
		t.Fatalf("traffic %s", r.OverallTraffic)
	}
}

func TestOptimizeMalformed(t *testing.T) {
	p := problem(nil,
		stop{order: "A", kind: model.Delivery, x: 1},
		stop{order: "B", kind: model.Pickup, x: 2},
		stop{order: "B", kind: model.Delivery, x: 3},
	)
	if _, _, err := Optimize(p); !errors.Is(err, model.ErrMalformedBatch) {
		t.Fatalf("want ErrMalformedBatch, got %v", err)
	}
	p = problem(nil,
		stop{order: "A", kind: model.Pickup, x: 1},
		stop{order: "A", kind: model.Delivery, x: 2, status: model.WaypointCompleted},
	)
	if _, _, err := Optimize(p); !errors.Is(err, model.ErrMalformedBatch) {
		t.Fatalf("visited delivery before pending pickup: %v", err)
	}
}

func TestDistanceOnlyIgnoresPreparation(t *testing.T) {
	p := problem(ptr(0),
		stop{order: "A", kind: model.Pickup, x: 1},
		stop{order: "A", kind: model.Delivery, x: 2},
		stop{order: "B", kind: model.Pickup, x: 3},
		stop{order: "B", kind: model.Delivery, x: 4},
	)
	p.Orders["A"] = model.Order{ID: "A", ReadyAt: depart.Add(time.Hour)}
	p.Criteria = model.OptimizationCriteria{DistanceWeight: 1}
	r, _, err := Optimize(p)
	if err != nil {
		t.Fatal(err)
	}
	assertPrecedence(t, r)
	if want := bruteMinDistance(t, p); float64(r.TotalDistanceMeters) != want {
		t.Fatalf("distance %d, shortest %v: %v", r.TotalDistanceMeters, want, ids(r))
	}
	want := []string{"A/pickup", "A/delivery", "B/pickup", "B/delivery"}
	if !reflect.DeepEqual(ids(r), want) {
		t.Fatalf("got %v want %v", ids(r), want)
	}

	// weighting preparation instead trades distance for less waiting
	p.Criteria = model.OptimizationCriteria{PreparationTimeWeight: 1}
	prep, _, err := Optimize(p)
	if err != nil {
		t.Fatal(err)
	}
	assertPrecedence(t, prep)
	if prep.CostBreakdown["waitSeconds"] >= r.CostBreakdown["waitSeconds"] {
		t.Fatalf("prep-weighted wait %v not below distance-weighted %v", prep.CostBreakdown["waitSeconds"], r.CostBreakdown["waitSeconds"])
	}
}

func TestMultiStartWithoutOrigin(t *testing.T) {
	p := problem(nil,
		stop{order: "B", kind: model.Pickup, x: 10},
		stop{order: "B", kind: model.Delivery, x: 11},
		stop{order: "A", kind: model.Pickup, x: 0},
		stop{order: "A", kind: model.Delivery, x: 1},
	)
	p.Criteria = model.OptimizationCriteria{DistanceWeight: 1}
	r, st, err := Optimize(p)
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalDistanceMeters != 11000 {
		t.Fatalf("distance %d: %v", r.TotalDistanceMeters, ids(r))
	}
	if st.Candidates < 3 {
		t.Fatalf("expected several candidate orders, got %d", st.Candidates)
	}
}

func TestVisitedPrefixIsFrozen(t *testing.T) {
	p := problem(ptr(50),
		stop{order: "A", kind: model.Pickup, x: 5, status: model.WaypointCompleted},
		stop{order: "B", kind: model.Pickup, x: 9},
		stop{order: "A", kind: model.Delivery, x: 6},
		stop{order: "B", kind: model.Delivery, x: 10},
	)
	p.Criteria = model.OptimizationCriteria{DistanceWeight: 1}
	r, _, err := Optimize(p)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"A/pickup", "A/delivery", "B/pickup", "B/delivery"}
	if !reflect.DeepEqual(ids(r), want) {
		t.Fatalf("got %v want %v", ids(r), want)
	}
	// the route is measured from the last visited stop, not the driver start
	if r.Legs[0].FromWaypointID != "A/pickup" || r.TotalDistanceMeters != 5000 {
		t.Fatalf("legs %+v total %d", r.Legs, r.TotalDistanceMeters)
	}
	if r.Waypoints[0].ETA != nil || r.Waypoints[1].ETA == nil {
		t.Fatal("ETA should be set on remaining stops only")
	}
}

func TestTieBreakPrefersSmallerOrderIDs(t *testing.T) {
	p := problem(ptr(0),
		stop{order: "B", kind: model.Pickup, x: 1},
		stop{order: "B", kind: model.Delivery, x: 2},
		stop{order: "A", kind: model.Pickup, x: -1},
		stop{order: "A", kind: model.Delivery, x: -2},
	)
	p.Criteria = model.OptimizationCriteria{DistanceWeight: 1}
	want := []string{"A/pickup", "A/delivery", "B/pickup", "B/delivery"}
	for i := 0; i < 3; i++ {
		r, _, err := Optimize(p)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(ids(r), want) {
			t.Fatalf("run %d: got %v", i, ids(r))
		}
	}
}

func TestOverallTrafficIsWorstLeg(t *testing.T) {
	p := problem(ptr(0),
		stop{order: "A", kind: model.Pickup, x: 1},
		stop{order: "A", kind: model.Delivery, x: 2},
		stop{order: "B", kind: model.Pickup, x: 3},
		stop{order: "B", kind: model.Delivery, x: 4},
	)
	xs := p.Costs.(lineCosts).xs
	p.Costs = lineCosts{xs: xs, traffic: func(a, b int) model.TrafficCondition {
		if a == 2 || b == 2 {
			return model.TrafficHeavy
		}
		return model.TrafficLight
	}}
	r, _, err := Optimize(p)
	if err != nil {
		t.Fatal(err)
	}
	if r.OverallTraffic != model.TrafficHeavy {
		t.Fatalf("traffic %s", r.OverallTraffic)
	}
}

func TestIterationCapStillReturnsRoute(t *testing.T) {
	p := problem(ptr(0),
		stop{order: "B", kind: model.Pickup, x: 3},
		stop{order: "B", kind: model.Delivery, x: 4},
		stop{order: "A", kind: model.Pickup, x: 1},
		stop{order: "A", kind: model.Delivery, x: 2},
	)
	p.Criteria = model.OptimizationCriteria{DistanceWeight: 1}
	p.MaxIterations = 1
	p.MaxExactStops = -1
	r, st, err := Optimize(p)
	if err != nil {
		t.Fatal(err)
	}
	if !st.IterationCapHit {
		t.Fatalf("expected cap hit: %+v", st)
	}
	assertPrecedence(t, r)
	if len(r.Waypoints) != 4 {
		t.Fatalf("route lost waypoints: %v", ids(r))
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	p := problem(ptr(0),
		stop{order: "B", kind: model.Pickup, x: 3},
		stop{order: "A", kind: model.Pickup, x: 1},
		stop{order: "B", kind: model.Delivery, x: 4},
		stop{order: "A", kind: model.Delivery, x: 2},
	)
	p.Orders["A"] = model.Order{ID: "A", PromisedBy: depart.Add(5 * time.Minute)}
	p.Criteria = model.BalancedCriteria()
	a, err := Evaluate(p)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Evaluate(p)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("not idempotent:\n%+v\n%+v", a, b)
	}
	want := []string{"B/pickup", "A/pickup", "B/delivery", "A/delivery"}
	if !reflect.DeepEqual(ids(a), want) || a.Mode != model.ModeManual {
		t.Fatalf("evaluate reordered: %v %s", ids(a), a.Mode)
	}
	if a.TotalDistanceMeters != 10000 {
		t.Fatalf("distance %d", a.TotalDistanceMeters)
	}
	if a.CostBreakdown["lateOrders"] != 1 {
		t.Fatalf("A should be late: %+v", a.CostBreakdown)
	}
}

func TestEvaluateRejectsBrokenOrder(t *testing.T) {
	p := problem(nil,
		stop{order: "A", kind: model.Delivery, x: 2},
		stop{order: "A", kind: model.Pickup, x: 1},
	)
	if _, err := Evaluate(p); !errors.Is(err, model.ErrMalformedBatch) {
		t.Fatalf("want ErrMalformedBatch, got %v", err)
	}
}

func TestPrecedenceHoldsOnRandomBatches(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 200; n++ {
		orders := 2 + rng.Intn(3)
		var stops []stop
		for o := 0; o < orders; o++ {
			id := string(rune('A' + o))
			stops = append(stops,
				stop{order: id, kind: model.Delivery, x: rng.Float64() * 20},
				stop{order: id, kind: model.Pickup, x: rng.Float64() * 20},
			)
		}
		// input order deliberately puts deliveries first
		var start *float64
		if rng.Intn(2) == 0 {
			start = ptr(rng.Float64() * 20)
		}
		p := problem(start, stops...)
		for o := 0; o < orders; o++ {
			id := string(rune('A' + o))
			p.Orders[id] = model.Order{ID: id, ReadyAt: depart.Add(time.Duration(rng.Intn(900)) * time.Second), PromisedBy: depart.Add(time.Duration(rng.Intn(3600)) * time.Second)}
		}
		p.Criteria = model.OptimizationCriteria{DistanceWeight: rng.Float64(), PreparationTimeWeight: rng.Float64(), TrafficWeight: rng.Float64(), DeliveryWindowWeight: rng.Float64()}
		r, _, err := Optimize(p)
		if err != nil {
			t.Fatalf("case %d: %v", n, err)
		}
		if len(r.Waypoints) != 2*orders {
			t.Fatalf("case %d: lost waypoints", n)
		}
		assertPrecedence(t, r)
		if r.OptimizationScore < 0 || r.OptimizationScore > 100 {
			t.Fatalf("case %d: score %v", n, r.OptimizationScore)
		}
	}
}

func TestDistanceOnlyFindsShortestRouteInPlane(t *testing.T) {
	rng := rand.New(rand.NewSource(54))
	for n := 0; n < 500; n++ {
		orders := 2
		if n%10 == 0 {
			orders = 4
		}
		p := randomPlaneProblem(rng, orders)
		r, st, err := Optimize(p)
		if err != nil {
			t.Fatalf("case %d: %v", n, err)
		}
		assertPrecedence(t, r)
		if st.IterationCapHit {
			t.Fatalf("case %d: exhaustive search reported a cap hit", n)
		}
		if want := bruteMinDistance(t, p); math.Abs(float64(r.TotalDistanceMeters)-want) > 1 {
			t.Fatalf("case %d: distance %d, shortest %.0f: %v", n, r.TotalDistanceMeters, want, ids(r))
		}
	}
}

// Two orders whose best route serves B entirely before A. Single-stop
// moves cannot reach it from A/p A/d B/p B/d; whole-order moves can.
func TestLocalSearchMovesWholeOrders(t *testing.T) {
	p := Problem{BatchID: "b1", DepartAt: depart, Criteria: model.OptimizationCriteria{DistanceWeight: 1},
		Orders: map[string]model.Order{"A": {ID: "A"}, "B": {ID: "B"}}}
	pts := [][2]float64{{1.57, 8.12}, {0.92, 5.24}, {8.13, 1.54}, {6.13, 6.16}, {2.21, 2.78}}
	for i, w := range []struct {
		order string
		kind  model.WaypointKind
	}{{"A", model.Pickup}, {"A", model.Delivery}, {"B", model.Pickup}, {"B", model.Delivery}} {
		p.Waypoints = append(p.Waypoints, model.Waypoint{ID: w.order + "/" + string(w.kind), OrderID: w.order, Kind: w.kind, Seq: i, Status: model.WaypointPending})
	}
	p.Start = &model.GeoPoint{Lat: pts[4][0], Lng: pts[4][1]}
	p.Costs = planeCosts{pts: pts}
	want := bruteMinDistance(t, p)

	exact, _, err := Optimize(p)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(exact.TotalDistanceMeters)-want) > 1 {
		t.Fatalf("exhaustive: %d vs %.0f %v", exact.TotalDistanceMeters, want, ids(exact))
	}
	p.MaxExactStops = -1
	heur, _, err := Optimize(p)
	if err != nil {
		t.Fatal(err)
	}
	assertPrecedence(t, heur)
	if math.Abs(float64(heur.TotalDistanceMeters)-want) > 1 {
		t.Fatalf("local search: %d vs %.0f %v", heur.TotalDistanceMeters, want, ids(heur))
	}
}

func TestMoveOrder(t *testing.T) {
	got := moveOrder([]int{0, 1, 2, 3}, 2, 3, 0)
	if !reflect.DeepEqual(got, []int{2, 3, 0, 1}) {
		t.Fatalf("got %v", got)
	}
	if got := moveOrder([]int{0, 2, 1, 3}, 0, 1, 9); !reflect.DeepEqual(got, []int{2, 3, 0, 1}) {
		t.Fatalf("clamped: %v", got)
	}
}

func TestStatsStore(t *testing.T) {
	RecordStats("b-stats", Stats{Candidates: 2})
	if st, ok := GetStats("b-stats"); !ok || st.Candidates != 2 {
		t.Fatalf("got %+v %v", st, ok)
	}
	ForgetStats("b-stats")
	if _, ok := GetStats("b-stats"); ok {
		t.Fatal("stats not forgotten")
	}
}
