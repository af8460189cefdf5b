package directions

import (
	"context"

	"golang.org/x/sync/errgroup"

	"batchnav/internal/metrics"
	"batchnav/internal/model"
	"batchnav/internal/obs"
)

// DefaultParallelism bounds concurrent lookups per matrix.
const DefaultParallelism = 4

// Matrix holds resolved estimates for every ordered pair of points. It
// satisfies opt.Costs.
type Matrix struct {
	n   int
	est []Estimate
}

func (m *Matrix) at(a, b int) Estimate { return m.est[a*m.n+b] }

func (m *Matrix) Distance(a, b int) float64 { return m.at(a, b).DistanceMeters }
func (m *Matrix) Duration(a, b int) float64 { return m.at(a, b).DurationSeconds }
func (m *Matrix) Traffic(a, b int) model.TrafficCondition {
	if a == b {
		return model.TrafficClear
	}
	return m.at(a, b).Traffic
}

// Size is the number of points covered.
func (m *Matrix) Size() int { return m.n }

// BuildMatrix resolves all pairwise estimates with bounded parallelism.
// Identical points are not looked up. The first failure cancels the rest
// and is returned as a *model.DirectionsError.
func BuildMatrix(ctx context.Context, svc Service, pts []model.GeoPoint, parallelism int) (_ *Matrix, err error) {
	defer obs.Time(ctx, "directions.matrix")(&err)
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	n := len(pts)
	m := &Matrix{n: n, est: make([]Estimate, n*n)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for a := 0; a < n; a++ {
		for b := 0; b < n; b++ {
			if a == b || pts[a] == pts[b] {
				m.est[a*n+b] = Estimate{Traffic: model.TrafficClear}
				continue
			}
			a, b := a, b
			g.Go(func() error {
				e, err := svc.Estimate(gctx, pts[a], pts[b])
				if err != nil {
					metrics.DirectionsLookups.WithLabelValues("error").Inc()
					return err
				}
				metrics.DirectionsLookups.WithLabelValues("ok").Inc()
				m.est[a*n+b] = e
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, wrap("matrix", err)
	}
	return m, nil
}
