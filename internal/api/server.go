package api

import (
    "context"
    "net/http"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "batchnav/internal/conditions"
    "batchnav/internal/config"
    "batchnav/internal/engine"
    "batchnav/internal/events"
    "batchnav/internal/metrics"
    "batchnav/internal/model"
    "batchnav/internal/store"
)

// ConditionsFeed is the conditions collaborator as seen by the API: it can
// be read and pushed to.
type ConditionsFeed interface {
    conditions.Source
    conditions.Publisher
}

type Server struct {
    Registry   *engine.Registry
    Store      store.Store
    Stream     events.Stream
    Conditions ConditionsFeed
    Config     config.Config
    // Checks are extra readiness probes (redis, amqp) keyed by name.
    Checks map[string]func(ctx context.Context) error

    limiter   *clientLimiter
    locations *LocationCache
}

// NewServer wires the HTTP surface. stream and feed fall back to in-process
// implementations when nil.
func NewServer(reg *engine.Registry, st store.Store, stream events.Stream, feed ConditionsFeed, cfg config.Config) *Server {
    if st == nil {
        st = store.NewMemory()
    }
    if stream == nil {
        stream = events.NewBroker()
    }
    if feed == nil {
        feed = conditions.NewStatic(model.ClearConditions())
    }
    s := &Server{Registry: reg, Store: st, Stream: stream, Conditions: feed, Config: cfg, Checks: map[string]func(context.Context) error{}, locations: NewLocationCache()}
    if cfg.RateLimit.RPS > 0 {
        s.limiter = newClientLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
    }
    return s
}

// Routes is the composition root of the HTTP surface.
func (s *Server) Routes() http.Handler {
    metrics.RegisterDefault()
    mux := http.NewServeMux()

    mux.HandleFunc("/v1/batches", s.BatchesHandler)
    mux.HandleFunc("/v1/batches/", s.BatchByIDHandler)
    mux.HandleFunc("/v1/conditions", s.ConditionsHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries/", s.WebhookDeliveryRetryHandler)

    mux.HandleFunc("/healthz", s.HealthHandler)
    mux.HandleFunc("/readyz", s.ReadyHandler)
    mux.HandleFunc("/debug/info", s.DebugJSON)
    mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
    mux.HandleFunc("/openapi.json", s.OpenAPIJSONHandler)
    mux.HandleFunc("/docs", s.DocsHandler)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    var h http.Handler = mux
    if s.limiter != nil {
        h = s.limiter.middleware(h)
    }
    return withObservability(h)
}
