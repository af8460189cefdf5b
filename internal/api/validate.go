package api

import (
	"fmt"
	"math"

	"batchnav/internal/engine"
	"batchnav/internal/model"
)

func validatePoint(name string, p model.GeoPoint) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%s: coordinates out of range (%v,%v)", name, p.Lat, p.Lng)
	}
	return nil
}

func validateOrder(o model.Order) error {
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	if err := validatePoint("order "+o.ID+" vendorLocation", o.VendorLocation); err != nil {
		return err
	}
	if err := validatePoint("order "+o.ID+" deliveryLocation", o.DeliveryLocation); err != nil {
		return err
	}
	if o.ItemCount < 0 || o.TotalCents < 0 {
		return fmt.Errorf("order %s: itemCount and totalCents must be >= 0", o.ID)
	}
	return nil
}

func validateCreateRequest(req *engine.CreateRequest) error {
	if len(req.Orders) < 2 {
		return fmt.Errorf("a batch needs at least 2 orders, got %d", len(req.Orders))
	}
	if req.MaxOrders < 0 || req.RetryBudget < 0 {
		return fmt.Errorf("maxOrders and retryBudget must be >= 0")
	}
	if req.MaxOrders > 0 && len(req.Orders) > req.MaxOrders {
		return fmt.Errorf("%d orders exceed maxOrders %d", len(req.Orders), req.MaxOrders)
	}
	if req.MaxDeviationKm < 0 || math.IsNaN(req.MaxDeviationKm) {
		return fmt.Errorf("maxDeviationKm must be >= 0")
	}
	seen := map[string]bool{}
	for _, o := range req.Orders {
		if err := validateOrder(o); err != nil {
			return err
		}
		if seen[o.ID] {
			return fmt.Errorf("duplicate order id: %s", o.ID)
		}
		seen[o.ID] = true
	}
	if req.Criteria != nil {
		if err := validateCriteria(*req.Criteria); err != nil {
			return err
		}
	}
	if req.DriverLocation != nil {
		if err := validatePoint("driverLocation", *req.DriverLocation); err != nil {
			return err
		}
	}
	return nil
}

// validateCriteria only rejects nonsense; zero or unnormalized weights are
// fixed up by the engine.
func validateCriteria(c model.OptimizationCriteria) error {
	for name, v := range map[string]float64{
		"distanceWeight":        c.DistanceWeight,
		"preparationTimeWeight": c.PreparationTimeWeight,
		"trafficWeight":         c.TrafficWeight,
		"deliveryWindowWeight":  c.DeliveryWindowWeight,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("criteria %s must be a finite number >= 0", name)
		}
	}
	return nil
}

func validateConditions(c model.Conditions) error {
	switch c.Traffic {
	case model.TrafficClear, model.TrafficLight, model.TrafficModerate, model.TrafficHeavy, model.TrafficSevere, model.TrafficUnknown, "":
	default:
		return fmt.Errorf("invalid traffic: %s", c.Traffic)
	}
	switch c.Weather {
	case model.WeatherClear, model.WeatherFog, model.WeatherRain, model.WeatherHeavyRain, model.WeatherThunderstorm, model.WeatherUnknown, "":
	default:
		return fmt.Errorf("invalid weather: %s", c.Weather)
	}
	return nil
}
