package obs

import (
	"context"
	"log"
	"time"
)

type ctxKey string

const (
	RequestIDKey ctxKey = "req_id"
	BatchIDKey   ctxKey = "batch"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func WithBatch(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, BatchIDKey, id)
}

// Time logs the duration of an operation. Use as
//
//	defer obs.Time(ctx, "op")(&err)
func Time(ctx context.Context, name string) func(errp *error) {
	start := time.Now()

	reqID, _ := ctx.Value(RequestIDKey).(string)
	batch, _ := ctx.Value(BatchIDKey).(string)

	return func(errp *error) {
		dur := time.Since(start)

		if errp != nil && *errp != nil {
			log.Printf("req_id=%s batch=%s op=%s dur=%dms err=%v", reqID, batch, name, dur.Milliseconds(), *errp)
			return
		}
		log.Printf("req_id=%s batch=%s op=%s dur=%dms", reqID, batch, name, dur.Milliseconds())
	}
}
