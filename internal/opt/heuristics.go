package opt

import (
	"math"

	"batchnav/internal/model"
)

// Neighbourhood moves over the free part of a route. Each returns a new
// slice; the input is never modified.

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	// reverse i..k
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

func exchange(ord []int, i, k int) []int {
	out := append([]int(nil), ord...)
	out[i], out[k] = out[k], out[i]
	return out
}

// relocate moves the node at i so that it ends up at position j.
func relocate(ord []int, i, j int) []int {
	node := ord[i]
	out := make([]int, 0, len(ord))
	out = append(out, ord[:i]...)
	out = append(out, ord[i+1:]...)
	out = append(out[:j], append([]int{node}, out[j:]...)...)
	return out
}

// moveOrder lifts an order's pickup and delivery out of ord and puts them
// back side by side at position j of the remaining nodes.
func moveOrder(ord []int, pickup, delivery, j int) []int {
	rest := make([]int, 0, len(ord))
	for _, v := range ord {
		if v != pickup && v != delivery {
			rest = append(rest, v)
		}
	}
	if j > len(rest) {
		j = len(rest)
	}
	out := make([]int, 0, len(ord))
	out = append(out, rest[:j]...)
	out = append(out, pickup, delivery)
	return append(out, rest[j:]...)
}

// DefaultSpeedKph is the average urban courier speed used when only
// straight-line geometry is known.
const DefaultSpeedKph = 25.0

type straightLine struct {
	pts []model.GeoPoint
	mps float64
}

// StraightLine is a Costs over great-circle distances with a constant speed.
// Traffic is always Unknown.
func StraightLine(pts []model.GeoPoint, speedKph float64) Costs {
	if speedKph <= 0 {
		speedKph = DefaultSpeedKph
	}
	return straightLine{pts: pts, mps: speedKph / 3.6}
}

func (s straightLine) Distance(a, b int) float64 {
	return HaversineMeters(s.pts[a], s.pts[b])
}

func (s straightLine) Duration(a, b int) float64 {
	return s.Distance(a, b) / s.mps
}

func (s straightLine) Traffic(int, int) model.TrafficCondition { return model.TrafficUnknown }

func HaversineMeters(a, b model.GeoPoint) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}
