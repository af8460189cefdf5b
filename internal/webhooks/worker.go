package webhooks

import (
    "bytes"
    "context"
    "io"
    "log"
    "net/http"
    "strconv"
    "time"

    "batchnav/internal/metrics"
    "batchnav/internal/store"
)

const DefaultMaxAttempts = 10

// Worker drains the webhook queue: due deliveries are POSTed, failures are
// rescheduled with exponential backoff and dead-lettered after MaxAttempts.
type Worker struct {
    Store       store.Store
    HTTP        *http.Client
    Stop        chan struct{}
    MaxAttempts int
    Interval    time.Duration
    BatchSize   int
}

func NewWorker(s store.Store, maxAttempts int) *Worker {
    if maxAttempts <= 0 { maxAttempts = DefaultMaxAttempts }
    return &Worker{Store: s, HTTP: &http.Client{Timeout: 5 * time.Second}, Stop: make(chan struct{}), MaxAttempts: maxAttempts, Interval: time.Second, BatchSize: 50}
}

func (w *Worker) Start() {
    interval := w.Interval
    if interval <= 0 { interval = time.Second }
    go func() {
        ticker := time.NewTicker(interval)
        defer ticker.Stop()
        for {
            select {
            case <-w.Stop:
                return
            case <-ticker.C:
                w.processOnce()
            }
        }
    }()
}

func (w *Worker) processOnce() {
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    limit := w.BatchSize
    if limit <= 0 { limit = 50 }
    items, err := w.Store.FetchDueWebhookDeliveries(ctx, limit)
    if err != nil {
        log.Printf("op=webhooks.fetch err=%v", err)
        return
    }
    for _, it := range items {
        w.deliver(ctx, it)
    }
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
    success := false
    next := time.Now().Add(nextBackoff(it.Attempts))
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
    if err != nil {
        // a malformed URL never heals
        _ = w.Store.FailWebhookDelivery(ctx, it.ID, err.Error(), 0, 0)
        metrics.WebhookDeliveries.WithLabelValues(it.EventType, store.DeliveryFailed).Inc()
        return
    }
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set(HeaderEventType, it.EventType)
    req.Header.Set("X-Delivery-Id", it.ID)
    if it.Secret != "" {
        sig, ts := SignTimestamped(it.Secret, time.Now(), it.Payload)
        req.Header.Set(HeaderSignature, sig)
        req.Header.Set(HeaderTimestamp, ts)
    }
    start := time.Now()
    resp, err := w.HTTP.Do(req)
    latency := int(time.Since(start).Milliseconds())
    code := 0
    if err == nil && resp != nil {
        code = resp.StatusCode
        _, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
        _ = resp.Body.Close()
        if code >= 200 && code < 300 { success = true }
    }
    lastErr := ""
    if !success {
        if err != nil { lastErr = err.Error() } else { lastErr = "status " + strconv.Itoa(code) }
    }
    status := store.DeliveryDelivered
    switch {
    case !success && it.Attempts+1 >= w.MaxAttempts:
        status = store.DeliveryFailed
        _ = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
        log.Printf("op=webhooks.deliver id=%s type=%s attempts=%d dead_lettered err=%s", it.ID, it.EventType, it.Attempts+1, lastErr)
    case !success:
        status = store.DeliveryRetry
        _ = w.Store.MarkWebhookDelivery(ctx, it.ID, false, &next, lastErr, code, latency)
    default:
        _ = w.Store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
    }
    metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
    metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
}

func nextBackoff(attempts int) time.Duration {
    if attempts < 0 { attempts = 0 }
    if attempts > 10 { attempts = 10 }
    base := time.Second * time.Duration(1<<attempts)
    if base > time.Hour { base = time.Hour }
    return base
}
