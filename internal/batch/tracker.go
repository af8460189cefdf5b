package batch

import "batchnav/internal/model"

// Stage is the per-order position in the pickup/delivery state machine.
type Stage string

const (
	StageNotStarted         Stage = "not_started"
	StagePickupInProgress   Stage = "pickup_in_progress"
	StagePickupFailed       Stage = "pickup_failed"
	StagePickedUp           Stage = "picked_up"
	StageDeliveryInProgress Stage = "delivery_in_progress"
	StageDeliveryFailed     Stage = "delivery_failed"
	StageDelivered          Stage = "delivered"
)

// Action is the next step a driver can take for an order.
type Action string

const (
	ActionStartPickup        Action = "start_pickup"
	ActionCompletePickup     Action = "complete_pickup"
	ActionStartDelivery      Action = "start_delivery"
	ActionCompleteDelivery   Action = "complete_delivery"
	ActionRetryPickup        Action = "retry_pickup"
	ActionRetryDelivery      Action = "retry_delivery"
	ActionManualIntervention Action = "manual_intervention"
	ActionNone               Action = "none"
)

// OrderState is the tracker view of one order.
type OrderState struct {
	OrderID    string `json:"orderId"`
	Stage      Stage  `json:"stage"`
	NextAction Action `json:"nextAction"`
	Failures   int    `json:"failures,omitempty"`
}

// Track reports the state of a single order.
func (b *Batch) Track(orderID string) (OrderState, error) {
	p, d, ok := b.legs(orderID)
	if !ok {
		return OrderState{}, model.ErrUnknownOrder
	}
	return trackLegs(orderID, p, d, b.retryBudget), nil
}

// TrackAll reports every order in insertion order.
func (b *Batch) TrackAll() []OrderState {
	out := make([]OrderState, 0, len(b.d.Orders))
	for _, o := range b.d.Orders {
		if p, d, ok := b.legs(o.ID); ok {
			out = append(out, trackLegs(o.ID, p, d, b.retryBudget))
		}
	}
	return out
}

func trackLegs(orderID string, p, d model.Waypoint, budget int) OrderState {
	st := OrderState{OrderID: orderID, Failures: p.Failures + d.Failures}
	switch p.Status {
	case model.WaypointPending:
		st.Stage, st.NextAction = StageNotStarted, ActionStartPickup
		return st
	case model.WaypointInProgress:
		st.Stage, st.NextAction = StagePickupInProgress, ActionCompletePickup
		return st
	case model.WaypointFailed:
		st.Stage = StagePickupFailed
		st.NextAction = retryOrEscalate(p, budget, ActionRetryPickup)
		return st
	}
	switch d.Status {
	case model.WaypointPending:
		st.Stage, st.NextAction = StagePickedUp, ActionStartDelivery
	case model.WaypointInProgress:
		st.Stage, st.NextAction = StageDeliveryInProgress, ActionCompleteDelivery
	case model.WaypointFailed:
		st.Stage = StageDeliveryFailed
		st.NextAction = retryOrEscalate(d, budget, ActionRetryDelivery)
	case model.WaypointCompleted:
		st.Stage, st.NextAction = StageDelivered, ActionNone
	}
	return st
}

func retryOrEscalate(w model.Waypoint, budget int, retry Action) Action {
	if w.Failures > budget {
		return ActionManualIntervention
	}
	return retry
}
