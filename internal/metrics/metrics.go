package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the service
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // OptimizerRuns counts route computations by mode (optimized, manual) and result
    OptimizerRuns = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "route_optimizer_runs_total", Help: "Route computations by mode and result."},
        []string{"mode", "result"},
    )
    // OptimizerDuration covers matrix resolution plus search
    OptimizerDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "route_optimizer_duration_seconds", Help: "Route computation duration in seconds.", Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10}},
        []string{"mode"},
    )
    OptimizerScore = prometheus.NewHistogram(
        prometheus.HistogramOpts{Name: "route_optimization_score", Help: "Score of installed routes.", Buckets: prometheus.LinearBuckets(0, 10, 11)},
    )
    // IterationCapHits counts searches stopped by the iteration cap
    IterationCapHits = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "route_optimizer_iteration_cap_total", Help: "Local searches that reached the iteration cap."},
    )

    // MonitorCycles counts adjustment monitor outcomes
    MonitorCycles = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "adjustment_cycles_total", Help: "Adjustment monitor cycles by outcome."},
        []string{"outcome"},
    )
    ImpactScore = prometheus.NewHistogram(
        prometheus.HistogramOpts{Name: "adjustment_impact_score", Help: "Condition impact scores seen by the monitor.", Buckets: []float64{0, 10, 20, 25, 30, 40, 60, 80, 100}},
    )
    // TriggersCoalesced counts triggers merged into an already pending one
    TriggersCoalesced = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "adjustment_triggers_coalesced_total", Help: "Re-evaluation triggers merged while a computation was in flight."},
    )

    // DirectionsLookups counts pairwise directions lookups by result
    DirectionsLookups = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "directions_lookups_total", Help: "Directions lookups by result."},
        []string{"result"},
    )

    ActiveBatches = prometheus.NewGauge(
        prometheus.GaugeOpts{Name: "batches_active", Help: "Batches currently held by the engine registry."},
    )
    // EventsPublished counts produced events by sink and type
    EventsPublished = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "events_published_total", Help: "Produced events by sink and type."},
        []string{"sink", "type"},
    )

    // WebhookDeliveries counts webhook delivery outcomes by event type and status
    WebhookDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
        []string{"event_type", "status"},
    )
    // WebhookLatency tracks webhook delivery latencies in milliseconds
    WebhookLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
        []string{"event_type", "status"},
    )
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests, HTTPDuration)
        Registry.MustRegister(OptimizerRuns, OptimizerDuration, OptimizerScore, IterationCapHits)
        Registry.MustRegister(MonitorCycles, ImpactScore, TriggersCoalesced)
        Registry.MustRegister(DirectionsLookups, ActiveBatches, EventsPublished)
        Registry.MustRegister(WebhookDeliveries, WebhookLatency)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
