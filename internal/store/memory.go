package store

import (
    "context"
    "encoding/json"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "batchnav/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu      sync.Mutex
    batches map[string]BatchRecord          // id -> latest snapshot
    order   []string                        // batch ids in creation order
    routes  map[string][]RouteRecord        // batch id -> history, oldest first
    adjs    map[string][]model.RouteAdjustmentResult
    // Webhooks queue state
    deliveries map[string]*WebhookDelivery  // id -> delivery state
    queue      []string                     // delivery ids in enqueue order
    dedup      map[string]string            // eventType|url|key -> delivery id
}

func NewMemory() *Memory {
    return &Memory{
        batches: map[string]BatchRecord{},
        routes: map[string][]RouteRecord{},
        adjs: map[string][]model.RouteAdjustmentResult{},
        deliveries: map[string]*WebhookDelivery{},
        dedup: map[string]string{},
    }
}

// clone deep-copies through JSON so callers never share slices with the store.
func clone[T any](v T) T {
    var out T
    b, err := json.Marshal(v)
    if err != nil { return v }
    if err := json.Unmarshal(b, &out); err != nil { return v }
    return out
}

func (m *Memory) SaveBatch(ctx context.Context, rec BatchRecord) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if rec.UpdatedAt.IsZero() { rec.UpdatedAt = time.Now().UTC() }
    if _, ok := m.batches[rec.Batch.ID]; !ok { m.order = append(m.order, rec.Batch.ID) }
    m.batches[rec.Batch.ID] = clone(rec)
    return nil
}

func (m *Memory) GetBatch(ctx context.Context, id string) (BatchRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    rec, ok := m.batches[id]
    if !ok { return BatchRecord{}, ErrNotFound }
    return clone(rec), nil
}

func (m *Memory) ListBatches(ctx context.Context, status, cursor string, limit int) ([]BatchRecord, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    start := 0
    if cursor != "" {
        for i, id := range m.order {
            if id == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    out := []BatchRecord{}
    var last string
    for i := start; i < len(m.order) && len(out) < limit; i++ {
        rec := m.batches[m.order[i]]
        if status != "" && string(rec.Batch.Status) != status { continue }
        out = append(out, clone(rec))
        last = m.order[i]
    }
    return out, nextCursor(len(out), limit, last), nil
}

func (m *Memory) ListOpenBatches(ctx context.Context) ([]BatchRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []BatchRecord{}
    for _, id := range m.order {
        rec := m.batches[id]
        if rec.Batch.Status.Terminal() { continue }
        out = append(out, clone(rec))
    }
    return out, nil
}

func (m *Memory) SaveRoute(ctx context.Context, r model.OptimizedRoute) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    hist := m.routes[r.BatchID]
    v := len(hist) + 1
    m.routes[r.BatchID] = append(hist, RouteRecord{Version: v, Route: clone(r)})
    return v, nil
}

func (m *Memory) LatestRoute(ctx context.Context, batchID string) (model.OptimizedRoute, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    hist := m.routes[batchID]
    if len(hist) == 0 { return model.OptimizedRoute{}, ErrNotFound }
    return clone(hist[len(hist)-1].Route), nil
}

// ListRoutes returns the newest routes first.
func (m *Memory) ListRoutes(ctx context.Context, batchID string, limit int) ([]RouteRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    hist := m.routes[batchID]
    if limit <= 0 { limit = 20 }
    out := []RouteRecord{}
    for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
        out = append(out, clone(hist[i]))
    }
    return out, nil
}

func (m *Memory) SaveAdjustment(ctx context.Context, batchID string, res model.RouteAdjustmentResult) error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.adjs[batchID] = append(m.adjs[batchID], clone(res))
    return nil
}

// ListAdjustments returns the newest results first.
func (m *Memory) ListAdjustments(ctx context.Context, batchID string, limit int) ([]model.RouteAdjustmentResult, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    hist := m.adjs[batchID]
    if limit <= 0 { limit = 20 }
    out := []model.RouteAdjustmentResult{}
    for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
        out = append(out, clone(hist[i]))
    }
    return out, nil
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    key := eventType + "|" + url + "|" + computeDedupKey(payload)
    if id, ok := m.dedup[key]; ok { return id, nil }
    id := uuid.New().String()
    m.deliveries[id] = &WebhookDelivery{ID: id, EventType: eventType, URL: url, Secret: secret, Payload: append([]byte(nil), payload...), Status: DeliveryPending, NextAttemptAt: time.Now()}
    m.queue = append(m.queue, id)
    m.dedup[key] = id
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now()
    out := []WebhookDelivery{}
    for _, id := range m.queue {
        d := m.deliveries[id]
        if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
            out = append(out, *d)
            if limit > 0 && len(out) >= limit { break }
        }
    }
    sort.SliceStable(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return ErrNotFound }
    d.Attempts++
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    if success {
        d.Status = DeliveryDelivered
        now := time.Now()
        d.DeliveredAt = &now
        return nil
    }
    d.Status = DeliveryRetry
    d.LastError = lastError
    if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return ErrNotFound }
    d.Attempts++
    d.Status = DeliveryFailed
    d.LastError = lastError
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    out := []WebhookDelivery{}
    for i := len(m.queue) - 1; i >= 0 && len(out) < limit; i-- {
        d := m.deliveries[m.queue[i]]
        if status == "" || d.Status == status { out = append(out, *d) }
    }
    return out, nil
}

// RetryWebhookDelivery puts a failed (dead-lettered) delivery back in the queue.
func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return ErrNotFound }
    d.Status = DeliveryPending
    d.Attempts = 0
    d.NextAttemptAt = time.Now()
    return nil
}
