// Package directions is the distance/ETA collaborator used by the engine.
// Every implementation reports failures as *model.DirectionsError.
package directions

import (
	"context"
	"errors"

	"batchnav/internal/model"
	"batchnav/internal/opt"
)

// Estimate is one origin/destination answer.
type Estimate struct {
	DistanceMeters  float64                `json:"distanceMeters"`
	DurationSeconds float64                `json:"durationSeconds"`
	Traffic         model.TrafficCondition `json:"traffic"`
}

type Service interface {
	Estimate(ctx context.Context, from, to model.GeoPoint) (Estimate, error)
	// EstimateLegSequence aggregates consecutive legs through pts.
	EstimateLegSequence(ctx context.Context, pts []model.GeoPoint) (Estimate, error)
}

// SumLegs aggregates pairwise estimates; the traffic is the worst leg.
func SumLegs(ctx context.Context, svc Service, pts []model.GeoPoint) (Estimate, error) {
	out := Estimate{Traffic: model.TrafficClear}
	if len(pts) < 2 {
		return out, nil
	}
	out.Traffic = model.TrafficUnknown
	for i := 1; i < len(pts); i++ {
		e, err := svc.Estimate(ctx, pts[i-1], pts[i])
		if err != nil {
			return Estimate{}, err
		}
		out.DistanceMeters += e.DistanceMeters
		out.DurationSeconds += e.DurationSeconds
		out.Traffic = model.Worse(out.Traffic, e.Traffic)
	}
	return out, nil
}

// ClassifyDelay maps the ratio of observed to free-flow travel time onto a
// traffic condition.
func ClassifyDelay(observedSec, freeFlowSec float64) model.TrafficCondition {
	if freeFlowSec <= 0 || observedSec <= 0 {
		return model.TrafficUnknown
	}
	switch r := observedSec / freeFlowSec; {
	case r <= 1.1:
		return model.TrafficClear
	case r <= 1.3:
		return model.TrafficLight
	case r <= 1.6:
		return model.TrafficModerate
	case r <= 2.0:
		return model.TrafficHeavy
	default:
		return model.TrafficSevere
	}
}

// Haversine estimates legs from great-circle distance, a detour factor and
// a constant speed. It never fails.
type Haversine struct {
	SpeedKph     float64
	DetourFactor float64
	// Traffic optionally supplies the condition for a leg.
	Traffic func(from, to model.GeoPoint) model.TrafficCondition
}

func (h Haversine) Estimate(_ context.Context, from, to model.GeoPoint) (Estimate, error) {
	speed := h.SpeedKph
	if speed <= 0 {
		speed = opt.DefaultSpeedKph
	}
	detour := h.DetourFactor
	if detour < 1 {
		detour = 1
	}
	d := opt.HaversineMeters(from, to) * detour
	e := Estimate{DistanceMeters: d, DurationSeconds: d / (speed / 3.6), Traffic: model.TrafficClear}
	if h.Traffic != nil {
		e.Traffic = h.Traffic(from, to)
	}
	return e, nil
}

func (h Haversine) EstimateLegSequence(ctx context.Context, pts []model.GeoPoint) (Estimate, error) {
	return SumLegs(ctx, h, pts)
}

// wrap tags err as a directions failure unless it already is one.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *model.DirectionsError
	if errors.As(err, &de) {
		return err
	}
	return &model.DirectionsError{Op: op, Err: err}
}
