// Package monitor decides when a batch route should be recomputed and how
// the outcome is reported.
package monitor

import (
	"fmt"
	"strings"
	"time"

	"batchnav/internal/model"
)

const (
	DefaultThreshold = 25.0
	DefaultMinGain   = 5.0
	orderChangeScore = 30.0
)

func trafficWeight(t model.TrafficCondition) float64 {
	switch t {
	case model.TrafficSevere:
		return 40
	case model.TrafficHeavy:
		return 30
	case model.TrafficModerate:
		return 20
	case model.TrafficLight:
		return 10
	default:
		return 0
	}
}

func weatherWeight(w model.Weather) float64 {
	switch w {
	case model.WeatherThunderstorm:
		return 30
	case model.WeatherHeavyRain:
		return 25
	case model.WeatherFog:
		return 20
	case model.WeatherRain:
		return 15
	default:
		return 0
	}
}

// ImpactScore measures how far current conditions moved from the baseline
// the route was computed under, clamped to [0,100].
func ImpactScore(baseline, current model.Conditions) float64 {
	s := abs(trafficWeight(current.Traffic)-trafficWeight(baseline.Traffic)) +
		abs(weatherWeight(current.Weather)-weatherWeight(baseline.Weather))
	if current.OrderChanges {
		s += orderChangeScore
	}
	switch {
	case s < 0:
		return 0
	case s > 100:
		return 100
	}
	return s
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Reason names the condition deltas behind an impact score.
func Reason(baseline, current model.Conditions) string {
	var parts []string
	if trafficWeight(current.Traffic) != trafficWeight(baseline.Traffic) {
		parts = append(parts, "traffic_"+string(current.Traffic))
	}
	if weatherWeight(current.Weather) != weatherWeight(baseline.Weather) {
		parts = append(parts, "weather_"+string(current.Weather))
	}
	if current.OrderChanges {
		parts = append(parts, "orders_changed")
	}
	return strings.Join(parts, "+")
}

type Config struct {
	Threshold float64
	MinGain   float64
}

func DefaultConfig() Config { return Config{Threshold: DefaultThreshold, MinGain: DefaultMinGain} }

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MinGain <= 0 {
		c.MinGain = DefaultMinGain
	}
	return c
}

// ShouldRecompute reports whether impact reaches the threshold.
func (c Config) ShouldRecompute(impact float64) bool {
	return impact >= c.withDefaults().Threshold
}

// Skipped is the result for a cycle below the threshold.
func (c Config) Skipped(impact float64, now time.Time) model.RouteAdjustmentResult {
	return model.RouteAdjustmentResult{
		Status:      model.NoAdjustmentNeeded,
		Message:     fmt.Sprintf("impact %.0f below threshold %.0f", impact, c.withDefaults().Threshold),
		ImpactScore: impact,
		EvaluatedAt: now,
	}
}

// Failed reports a cycle that could not complete. The current route stays.
func Failed(err error, impact float64, reason string, now time.Time) model.RouteAdjustmentResult {
	return model.RouteAdjustmentResult{
		Status:           model.AdjustmentError,
		Message:          err.Error(),
		AdjustmentReason: reason,
		ImpactScore:      impact,
		EvaluatedAt:      now,
	}
}

// Decision says which route, if any, to install after a recomputation.
type Decision struct {
	Install *model.OptimizedRoute
	Result  model.RouteAdjustmentResult
}

// Classify compares a fresh optimization against the current sequence
// re-measured under the same conditions. current is nil when the waypoint
// set changed and the old sequence no longer covers the batch; the new
// route is then installed whatever its gain. That replacement is not an
// improvement, so it stays no_adjustment_needed without a score and the
// message says the route was replaced.
func (c Config) Classify(current *model.OptimizedRoute, next model.OptimizedRoute, impact float64, reason string, now time.Time) Decision {
	c = c.withDefaults()
	res := model.RouteAdjustmentResult{ImpactScore: impact, AdjustmentReason: reason, EvaluatedAt: now}
	if current == nil {
		res.Status = model.NoAdjustmentNeeded
		res.Message = "waypoint set changed; route replaced"
		return Decision{Install: &next, Result: res}
	}
	gain := next.OptimizationScore - current.OptimizationScore
	if gain >= c.MinGain {
		res.Status = model.AdjustmentCalculated
		res.ImprovementScore = &gain
		res.Message = fmt.Sprintf("route improved by %.1f points", gain)
		return Decision{Install: &next, Result: res}
	}
	res.Status = model.NoAdjustmentNeeded
	res.Message = fmt.Sprintf("improvement %.1f below minimum gain %.1f; keeping current sequence", gain, c.MinGain)
	// the kept sequence carries metrics for the new conditions
	return Decision{Install: current, Result: res}
}
