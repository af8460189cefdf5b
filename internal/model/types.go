package model

import "time"

// Core domain types for batched multi-order delivery.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Order is owned by the ordering system; a batch only references it.
type Order struct {
	ID               string    `json:"id"`
	VendorLocation   GeoPoint  `json:"vendorLocation"`
	DeliveryLocation GeoPoint  `json:"deliveryLocation"`
	ItemCount        int       `json:"itemCount,omitempty"`
	TotalCents       int64     `json:"totalCents,omitempty"`
	PromisedBy       time.Time `json:"promisedBy,omitempty"`
	ReadyAt          time.Time `json:"readyAt,omitempty"` // vendor preparation estimate; zero = ready
}

type WaypointKind string

const (
	Pickup   WaypointKind = "pickup"
	Delivery WaypointKind = "delivery"
)

func (k WaypointKind) Valid() bool { return k == Pickup || k == Delivery }

type WaypointStatus string

const (
	WaypointPending    WaypointStatus = "pending"
	WaypointInProgress WaypointStatus = "in_progress"
	WaypointCompleted  WaypointStatus = "completed"
	WaypointFailed     WaypointStatus = "failed"
)

func (s WaypointStatus) Valid() bool {
	switch s {
	case WaypointPending, WaypointInProgress, WaypointCompleted, WaypointFailed:
		return true
	}
	return false
}

type Waypoint struct {
	ID          string         `json:"id"`
	OrderID     string         `json:"orderId"`
	Kind        WaypointKind   `json:"kind"`
	Location    GeoPoint       `json:"location"`
	Seq         int            `json:"seq"`
	Status      WaypointStatus `json:"status"`
	Failures    int            `json:"failures,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	ETA         *time.Time     `json:"eta,omitempty"`
}

type BatchStatus string

const (
	BatchPlanned   BatchStatus = "planned"
	BatchActive    BatchStatus = "active"
	BatchPaused    BatchStatus = "paused"
	BatchCompleted BatchStatus = "completed"
	BatchCancelled BatchStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s BatchStatus) Terminal() bool { return s == BatchCompleted || s == BatchCancelled }

type DeliveryBatch struct {
	ID                   string               `json:"id"`
	DriverID             string               `json:"driverId,omitempty"`
	Orders               []Order              `json:"orders"`
	Waypoints            []Waypoint           `json:"waypoints"`
	MaxOrders            int                  `json:"maxOrders"`
	MaxDeviationKm       float64              `json:"maxDeviationKm,omitempty"`
	Status               BatchStatus          `json:"status"`
	Criteria             OptimizationCriteria `json:"criteria"`
	CreatedAt            time.Time            `json:"createdAt"`
	ActualStartTime      *time.Time           `json:"actualStartTime,omitempty"`
	ActualCompletionTime *time.Time           `json:"actualCompletionTime,omitempty"`
	CancelReason         string               `json:"cancelReason,omitempty"`
}

type TrafficCondition string

const (
	TrafficClear    TrafficCondition = "clear"
	TrafficLight    TrafficCondition = "light"
	TrafficModerate TrafficCondition = "moderate"
	TrafficHeavy    TrafficCondition = "heavy"
	TrafficSevere   TrafficCondition = "severe"
	TrafficUnknown  TrafficCondition = "unknown"
)

// Rank orders conditions by severity. Unknown ranks below Clear so that any
// observed condition wins over a missing one.
func (t TrafficCondition) Rank() int {
	switch t {
	case TrafficClear:
		return 1
	case TrafficLight:
		return 2
	case TrafficModerate:
		return 3
	case TrafficHeavy:
		return 4
	case TrafficSevere:
		return 5
	default:
		return 0
	}
}

// Worse returns the more severe of two conditions.
func Worse(a, b TrafficCondition) TrafficCondition {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type Weather string

const (
	WeatherClear        Weather = "clear"
	WeatherFog          Weather = "fog"
	WeatherRain         Weather = "rain"
	WeatherHeavyRain    Weather = "heavy_rain"
	WeatherThunderstorm Weather = "thunderstorm"
	WeatherUnknown      Weather = "unknown"
)

// Conditions is one snapshot of the external conditions feed.
type Conditions struct {
	Traffic      TrafficCondition `json:"traffic"`
	Weather      Weather          `json:"weather"`
	OrderChanges bool             `json:"orderChanges,omitempty"`
	ObservedAt   time.Time        `json:"observedAt,omitempty"`
}

// ClearConditions is the baseline before any recomputation has happened.
func ClearConditions() Conditions {
	return Conditions{Traffic: TrafficClear, Weather: WeatherClear}
}

type RouteLeg struct {
	FromWaypointID  string           `json:"fromWaypointId,omitempty"` // empty for the approach leg
	ToWaypointID    string           `json:"toWaypointId"`
	DistanceMeters  int              `json:"distanceMeters"`
	DurationSeconds int              `json:"durationSeconds"`
	Traffic         TrafficCondition `json:"traffic"`
}

type RouteMode string

const (
	ModeOptimized RouteMode = "optimized"
	ModeManual    RouteMode = "manual"
)

// OptimizedRoute is an immutable snapshot. Holders never mutate it; a new
// computation produces a new value.
type OptimizedRoute struct {
	BatchID              string               `json:"batchId,omitempty"`
	Waypoints            []Waypoint           `json:"waypoints"`
	Legs                 []RouteLeg           `json:"legs,omitempty"`
	TotalDistanceMeters  int                  `json:"totalDistanceMeters"`
	TotalDurationSeconds int                  `json:"totalDurationSeconds"`
	OptimizationScore    float64              `json:"optimizationScore"`
	OverallTraffic       TrafficCondition     `json:"overallTrafficCondition"`
	Criteria             OptimizationCriteria `json:"criteria"`
	CostBreakdown        map[string]float64   `json:"costBreakdown,omitempty"`
	Mode                 RouteMode            `json:"mode"`
	CalculatedAt         time.Time            `json:"calculatedAt"`
}

// WaypointIDs lists waypoint IDs in route order.
func (r OptimizedRoute) WaypointIDs() []string {
	out := make([]string, len(r.Waypoints))
	for i, w := range r.Waypoints {
		out[i] = w.ID
	}
	return out
}

type AdjustmentStatus string

const (
	AdjustmentCalculated AdjustmentStatus = "adjustment_calculated"
	NoAdjustmentNeeded   AdjustmentStatus = "no_adjustment_needed"
	AdjustmentError      AdjustmentStatus = "error"
)

type RouteAdjustmentResult struct {
	Status           AdjustmentStatus `json:"status"`
	ImprovementScore *float64         `json:"improvementScore,omitempty"`
	Message          string           `json:"message"`
	AdjustmentReason string           `json:"adjustmentReason,omitempty"`
	ImpactScore      float64          `json:"impactScore"`
	EvaluatedAt      time.Time        `json:"evaluatedAt"`
}
