package directions

import (
	"context"

	"golang.org/x/time/rate"

	"batchnav/internal/model"
)

// Limited keeps calls to the wrapped service under a request rate.
type Limited struct {
	Next    Service
	limiter *rate.Limiter
}

func NewLimited(next Service, rps float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Inf, burst)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Limited{Next: next, limiter: lim}
}

func (l *Limited) Estimate(ctx context.Context, from, to model.GeoPoint) (Estimate, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Estimate{}, wrap("rate_wait", err)
	}
	return l.Next.Estimate(ctx, from, to)
}

func (l *Limited) EstimateLegSequence(ctx context.Context, pts []model.GeoPoint) (Estimate, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Estimate{}, wrap("rate_wait", err)
	}
	return l.Next.EstimateLegSequence(ctx, pts)
}
