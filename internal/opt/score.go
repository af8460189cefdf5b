package opt

import (
	"math"
	"time"

	"batchnav/internal/model"
)

// Reference scales used when a batch gives nothing to normalize against.
const (
	fallbackRefMeters  = 1000.0
	fallbackRefSeconds = 120.0
	lateHalfLifeSec    = 600.0
)

// trafficPenalty is the share of leg time counted as traffic delay.
func trafficPenalty(t model.TrafficCondition) float64 {
	switch t {
	case model.TrafficClear:
		return 0
	case model.TrafficLight:
		return 0.1
	case model.TrafficModerate:
		return 0.25
	case model.TrafficHeavy:
		return 0.5
	case model.TrafficSevere:
		return 1
	default:
		return 0.1
	}
}

// saturate maps a non-negative quantity into [0,1).
func saturate(x, ref float64) float64 {
	if x <= 0 {
		return 0
	}
	return x / (x + ref)
}

type evaluation struct {
	distance   float64
	duration   float64
	wait       float64
	late       float64
	exposure   float64
	lateOrders int
	legCount   int
	components [4]float64 // distance, preparation, traffic, window
	cost       float64
	score      float64
	legs       []model.RouteLeg
	eta        map[int]time.Time
	worst      model.TrafficCondition
}

type scorer struct {
	in      *instance
	weights [4]float64
	refDist float64
	refDur  float64
}

func newScorer(in *instance) *scorer {
	c := in.p.Criteria.Normalized()
	s := &scorer{in: in, weights: [4]float64{c.DistanceWeight, c.PreparationTimeWeight, c.TrafficWeight, c.DeliveryWindowWeight}}
	for _, i := range in.free {
		if pk := in.pickupOf[i]; pk >= 0 {
			s.refDist += in.p.Costs.Distance(pk, i)
			s.refDur += in.p.Costs.Duration(pk, i)
		}
	}
	if s.refDist <= 0 {
		s.refDist = fallbackRefMeters
	}
	if s.refDur <= 0 {
		s.refDur = fallbackRefSeconds
	}
	return s
}

// eval walks anchor -> seq and scores the remaining route.
func (s *scorer) eval(seq []int, detail bool) evaluation {
	in := s.in
	p := in.p
	ev := evaluation{worst: model.TrafficUnknown}
	timed := !p.DepartAt.IsZero()
	if detail {
		ev.eta = make(map[int]time.Time, len(seq))
	}
	prev := in.anchor()
	t := 0.0
	deliveries := 0
	var lateRisk float64
	for _, cur := range seq {
		if prev >= 0 {
			d, du, tr := p.Costs.Distance(prev, cur), p.Costs.Duration(prev, cur), p.Costs.Traffic(prev, cur)
			ev.distance += d
			ev.duration += du
			ev.exposure += du * trafficPenalty(tr)
			ev.worst = model.Worse(ev.worst, tr)
			ev.legCount++
			t += du
			if detail {
				leg := model.RouteLeg{ToWaypointID: p.Waypoints[cur].ID, DistanceMeters: int(math.Round(d)), DurationSeconds: int(math.Round(du)), Traffic: tr}
				if prev < in.n {
					leg.FromWaypointID = p.Waypoints[prev].ID
				}
				ev.legs = append(ev.legs, leg)
			}
		}
		w := p.Waypoints[cur]
		o := p.Orders[w.OrderID]
		arrival := t
		switch w.Kind {
		case model.Pickup:
			if timed && !o.ReadyAt.IsZero() {
				if ready := o.ReadyAt.Sub(p.DepartAt).Seconds(); arrival < ready {
					ev.wait += ready - arrival
					t = ready
				}
			}
		case model.Delivery:
			deliveries++
			if timed && !o.PromisedBy.IsZero() {
				if due := o.PromisedBy.Sub(p.DepartAt).Seconds(); arrival > due {
					late := arrival - due
					ev.late += late
					ev.lateOrders++
					lateRisk += 0.5 + 0.5*saturate(late, lateHalfLifeSec)
				}
			}
		}
		if detail && timed {
			ev.eta[cur] = p.DepartAt.Add(time.Duration(arrival * float64(time.Second)))
		}
		t += float64(p.ServiceSec)
		ev.duration += float64(p.ServiceSec)
		prev = cur
	}
	// waiting at the vendor is part of the time the driver spends
	ev.duration += ev.wait
	if ev.legCount == 0 {
		ev.worst = model.TrafficClear
	}
	ev.components[0] = saturate(ev.distance, s.refDist)
	ev.components[1] = saturate(ev.wait, s.refDur)
	ev.components[2] = saturate(ev.exposure, s.refDur)
	if deliveries > 0 {
		ev.components[3] = lateRisk / float64(deliveries)
	}
	for i, c := range ev.components {
		ev.cost += s.weights[i] * c
	}
	ev.score = 100 * (1 - ev.cost)
	return ev
}

func (ev evaluation) breakdown() map[string]float64 {
	return map[string]float64{
		"distance":        ev.components[0],
		"preparationWait": ev.components[1],
		"traffic":         ev.components[2],
		"deliveryWindow":  ev.components[3],
		"waitSeconds":     ev.wait,
		"lateSeconds":     ev.late,
		"lateOrders":      float64(ev.lateOrders),
	}
}
