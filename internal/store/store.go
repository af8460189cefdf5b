package store

import (
    "context"
    "time"

    "batchnav/internal/model"
)

// Store is the persistence interface used by the engine registry, the API
// server and the webhook worker.
type Store interface {
    // Batches
    SaveBatch(ctx context.Context, rec BatchRecord) error
    GetBatch(ctx context.Context, id string) (BatchRecord, error)
    ListBatches(ctx context.Context, status, cursor string, limit int) ([]BatchRecord, string, error)
    // ListOpenBatches returns every batch not yet completed or cancelled.
    ListOpenBatches(ctx context.Context) ([]BatchRecord, error)

    // Route history. SaveRoute returns the per-batch version assigned.
    SaveRoute(ctx context.Context, r model.OptimizedRoute) (int, error)
    LatestRoute(ctx context.Context, batchID string) (model.OptimizedRoute, error)
    ListRoutes(ctx context.Context, batchID string, limit int) ([]RouteRecord, error)

    // Adjustment history
    SaveAdjustment(ctx context.Context, batchID string, res model.RouteAdjustmentResult) error
    ListAdjustments(ctx context.Context, batchID string, limit int) ([]model.RouteAdjustmentResult, error)

    // Webhook deliveries
    EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
    ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]WebhookDelivery, error)
    RetryWebhookDelivery(ctx context.Context, id string) error
}

var ErrNotFound = model.ErrNotFound
