package model

import "math"

// OptimizationCriteria weights the four route cost components.
type OptimizationCriteria struct {
	DistanceWeight        float64 `json:"distanceWeight"`
	PreparationTimeWeight float64 `json:"preparationTimeWeight"`
	TrafficWeight         float64 `json:"trafficWeight"`
	DeliveryWindowWeight  float64 `json:"deliveryWindowWeight"`
}

// BalancedCriteria is used whenever no usable weights are supplied.
func BalancedCriteria() OptimizationCriteria {
	return OptimizationCriteria{0.25, 0.25, 0.25, 0.25}
}

// Normalized scales the weights to sum to 1. Negative and non-finite
// weights count as zero; an all-zero input becomes BalancedCriteria.
// Normalizing an already normalized value returns it unchanged.
func (c OptimizationCriteria) Normalized() OptimizationCriteria {
	w := [4]float64{c.DistanceWeight, c.PreparationTimeWeight, c.TrafficWeight, c.DeliveryWindowWeight}
	sum := 0.0
	for i, v := range w {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			w[i] = 0
		}
		sum += w[i]
	}
	if sum == 0 {
		return BalancedCriteria()
	}
	if math.Abs(sum-1) < 1e-12 {
		return OptimizationCriteria{w[0], w[1], w[2], w[3]}
	}
	return OptimizationCriteria{w[0] / sum, w[1] / sum, w[2] / sum, w[3] / sum}
}

// Sum is the plain total of the weights.
func (c OptimizationCriteria) Sum() float64 {
	return c.DistanceWeight + c.PreparationTimeWeight + c.TrafficWeight + c.DeliveryWindowWeight
}
