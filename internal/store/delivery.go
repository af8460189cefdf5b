package store

import (
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
    "time"

    "batchnav/internal/model"
)

type WebhookDelivery struct {
    ID            string     `json:"id"`
    EventType     string     `json:"eventType"`
    URL           string     `json:"url"`
    Secret        string     `json:"-"`
    Payload       []byte     `json:"-"`
    Status        string     `json:"status"`
    Attempts      int        `json:"attempts"`
    NextAttemptAt time.Time  `json:"nextAttemptAt,omitempty"`
    LastError     string     `json:"lastError,omitempty"`
    ResponseCode  int        `json:"responseCode,omitempty"`
    LatencyMs     int        `json:"latencyMs,omitempty"`
    DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
}

// Delivery statuses.
const (
    DeliveryPending   = "pending"
    DeliveryRetry     = "retry"
    DeliveryDelivered = "delivered"
    DeliveryFailed    = "failed"
)

// BatchRecord is the persisted form of one engine: the batch snapshot plus
// the state needed to rebuild it after a restart.
type BatchRecord struct {
    Batch       model.DeliveryBatch `json:"batch"`
    RetryBudget int                 `json:"retryBudget"`
    Driver      *model.GeoPoint     `json:"driverLocation,omitempty"`
    Baseline    model.Conditions    `json:"baseline"`
    UpdatedAt   time.Time           `json:"updatedAt"`
}

type RouteRecord struct {
    Version int                  `json:"version"`
    Route   model.OptimizedRoute `json:"route"`
}

// computeDedupKey uses the event id when the payload carries one, else a
// short content hash.
func computeDedupKey(payload []byte) string {
    var m map[string]any
    if json.Unmarshal(payload, &m) == nil {
        if v, ok := m["id"].(string); ok && v != "" {
            return v
        }
    }
    sum := sha256.Sum256(payload)
    return hex.EncodeToString(sum[:8])
}

func nextCursor(n, limit int, last string) string {
    if n == limit {
        return last
    }
    return ""
}
