package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "strconv"
    "strings"
    "time"

    "batchnav/internal/engine"
    "batchnav/internal/model"
)

// BatchesHandler handles GET/POST /v1/batches
func (s *Server) BatchesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/batches" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    switch r.Method {
    case http.MethodPost:
        var req engine.CreateRequest
        if err := decode(w, r, &req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validateCreateRequest(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error(), r.URL.Path)
            return
        }
        e, err := s.Registry.Create(r.Context(), req)
        if err != nil { writeError(w, r, err); return }
        w.Header().Set("Location", "/v1/batches/"+e.ID())
        writeJSON(w, http.StatusCreated, e.View())
    case http.MethodGet:
        q := r.URL.Query()
        status := q.Get("status")
        if status != "" && !validBatchStatus(model.BatchStatus(status)) {
            writeProblem(w, http.StatusBadRequest, "Validation failed", "invalid status: "+status, r.URL.Path)
            return
        }
        recs, next, err := s.Store.ListBatches(r.Context(), status, q.Get("cursor"), parseLimit(q.Get("limit"), 100))
        if err != nil { writeProblem(w, 500, "List batches failed", err.Error(), r.URL.Path); return }
        items := make([]model.DeliveryBatch, 0, len(recs))
        for _, rec := range recs {
            items = append(items, rec.Batch)
        }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// BatchByIDHandler dispatches everything under /v1/batches/{id}.
func (s *Server) BatchByIDHandler(w http.ResponseWriter, r *http.Request) {
    path := r.URL.Path
    rest := strings.Trim(strings.TrimPrefix(path, "/v1/batches/"), "/")
    if rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    e, err := s.Registry.Get(id)
    if err != nil {
        // batches closed before a restart are only in the store
        if len(parts) == 1 && r.Method == http.MethodGet {
            if rec, serr := s.Store.GetBatch(r.Context(), id); serr == nil {
                writeJSON(w, 200, map[string]any{"batch": rec.Batch})
                return
            }
        }
        writeError(w, r, err)
        return
    }

    sub := ""
    if len(parts) > 1 { sub = parts[1] }
    switch {
    case sub == "":
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        writeJSON(w, 200, e.View())
    case sub == "route" && len(parts) == 2:
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        rt, ok := e.Route()
        if !ok { writeProblem(w, http.StatusNotFound, "No route", "no route computed yet", path); return }
        writeJSON(w, 200, rt)
    case sub == "routes" && len(parts) == 2:
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        items, err := s.Store.ListRoutes(r.Context(), id, parseLimit(r.URL.Query().Get("limit"), 20))
        if err != nil { writeProblem(w, 500, "List routes failed", err.Error(), path); return }
        writeJSON(w, 200, map[string]any{"items": items})
    case sub == "adjustments" && len(parts) == 2:
        if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
        items, err := s.Store.ListAdjustments(r.Context(), id, parseLimit(r.URL.Query().Get("limit"), 20))
        if err != nil { writeProblem(w, 500, "List adjustments failed", err.Error(), path); return }
        writeJSON(w, 200, map[string]any{"items": items, "last": e.Adjustment()})
    case sub == "orders":
        s.ordersHandler(w, r, e, parts[2:])
    case sub == "waypoints":
        s.waypointHandler(w, r, e, parts[2:])
    case (sub == "start" || sub == "pause" || sub == "resume" || sub == "cancel") && len(parts) == 2:
        s.lifecycleHandler(w, r, e, sub)
    case (sub == "reorder" || sub == "reorder-stops") && len(parts) == 2:
        s.reorderHandler(w, r, e, sub == "reorder-stops")
    case sub == "location" && len(parts) == 2:
        s.locationHandler(w, r, e)
    case sub == "evaluate" && len(parts) == 2:
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        res, err := e.EvaluateNow(r.Context())
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, 200, res)
    case sub == "events" && len(parts) == 3 && parts[2] == "stream":
        s.streamHandler(w, r, e)
    case sub == "ws" && len(parts) == 2:
        s.wsHandler(w, r, e)
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "", path)
    }
}

// ordersHandler: GET/POST .../orders, GET/DELETE .../orders/{orderId}
func (s *Server) ordersHandler(w http.ResponseWriter, r *http.Request, e *engine.Engine, rest []string) {
    switch len(rest) {
    case 0:
        switch r.Method {
        case http.MethodGet:
            writeJSON(w, 200, map[string]any{"items": e.Track()})
        case http.MethodPost:
            var o model.Order
            if err := decode(w, r, &o); err != nil {
                writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
                return
            }
            if err := validateOrder(o); err != nil {
                writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error(), r.URL.Path)
                return
            }
            rt, err := e.AddOrder(r.Context(), o)
            if err != nil { writeError(w, r, err); return }
            writeJSON(w, 200, rt)
        default:
            w.WriteHeader(http.StatusMethodNotAllowed)
        }
    case 1:
        orderID := rest[0]
        switch r.Method {
        case http.MethodGet:
            st, err := e.TrackOrder(orderID)
            if err != nil { writeError(w, r, err); return }
            writeJSON(w, 200, st)
        case http.MethodDelete:
            rt, err := e.RemoveOrder(r.Context(), orderID)
            if err != nil { writeError(w, r, err); return }
            if rt == nil {
                writeJSON(w, 200, map[string]any{"degraded": true, "batch": e.Snapshot()})
                return
            }
            writeJSON(w, 200, map[string]any{"degraded": false, "route": rt})
        default:
            w.WriteHeader(http.StatusMethodNotAllowed)
        }
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
    }
}

// waypointHandler: POST .../waypoints/{orderId}/{kind} and .../retry
func (s *Server) waypointHandler(w http.ResponseWriter, r *http.Request, e *engine.Engine, rest []string) {
    if len(rest) < 2 || len(rest) > 3 || (len(rest) == 3 && rest[2] != "retry") {
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        return
    }
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    orderID, kind := rest[0], model.WaypointKind(rest[1])
    if !kind.Valid() {
        writeProblem(w, http.StatusBadRequest, "Validation failed", "kind must be pickup or delivery", r.URL.Path)
        return
    }
    if len(rest) == 3 {
        wp, err := e.Retry(r.Context(), kind, orderID)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, 200, map[string]any{"waypoint": wp})
        return
    }
    var body struct {
        Status model.WaypointStatus `json:"status"`
    }
    if err := decode(w, r, &body); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if !body.Status.Valid() {
        writeProblem(w, http.StatusBadRequest, "Validation failed", "invalid status: "+string(body.Status), r.URL.Path)
        return
    }
    tr, err := e.MarkWaypoint(r.Context(), kind, orderID, body.Status)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, 200, map[string]any{
        "waypoint":       tr.Waypoint,
        "from":           tr.From,
        "orderDelivered": tr.OrderDelivered,
        "batchCompleted": tr.BatchCompleted,
    })
}

func (s *Server) lifecycleHandler(w http.ResponseWriter, r *http.Request, e *engine.Engine, action string) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    var err error
    switch action {
    case "start":
        err = e.Start(r.Context())
    case "pause":
        err = e.Pause(r.Context())
    case "resume":
        err = e.Resume(r.Context())
    case "cancel":
        var body struct {
            Reason string `json:"reason"`
        }
        if derr := decode(w, r, &body); derr != nil && !errors.Is(derr, io.EOF) {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", derr.Error(), r.URL.Path)
            return
        }
        err = e.Cancel(r.Context(), body.Reason)
    }
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, 200, e.Snapshot())
}

func (s *Server) reorderHandler(w http.ResponseWriter, r *http.Request, e *engine.Engine, stops bool) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    var body struct {
        OrderIDs []string `json:"orderIds,omitempty"`
        StopIDs  []string `json:"stopIds,omitempty"`
    }
    if err := decode(w, r, &body); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    var (
        rt  model.OptimizedRoute
        err error
    )
    if stops {
        if len(body.StopIDs) == 0 { writeProblem(w, http.StatusBadRequest, "Validation failed", "stopIds required", r.URL.Path); return }
        rt, err = e.ReorderStops(r.Context(), body.StopIDs)
    } else {
        if len(body.OrderIDs) == 0 { writeProblem(w, http.StatusBadRequest, "Validation failed", "orderIds required", r.URL.Path); return }
        rt, err = e.Reorder(r.Context(), body.OrderIDs)
    }
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, 200, rt)
}

// streamHandler is the SSE feed of one batch's events.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request, e *engine.Engine) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")

    id := e.ID()
    ch := s.Stream.Subscribe(id)
    defer s.Stream.Unsubscribe(id, ch)

    writeSSE(w, "snapshot", "", e.View())
    flusher.Flush()

    heartbeat := time.NewTicker(15 * time.Second)
    defer heartbeat.Stop()
    for {
        select {
        case <-r.Context().Done():
            return
        case evt, ok := <-ch:
            if !ok { return }
            writeSSE(w, evt.Type, evt.ID, evt)
            flusher.Flush()
        case <-heartbeat.C:
            writeSSE(w, "heartbeat", "", map[string]string{"batchId": id, "ts": time.Now().UTC().Format(time.RFC3339)})
            flusher.Flush()
        }
    }
}

func writeSSE(w io.Writer, event, id string, v any) {
    b, _ := json.Marshal(v)
    if id != "" { fmt.Fprintf(w, "id: %s\n", id) }
    fmt.Fprintf(w, "event: %s\n", event)
    fmt.Fprintf(w, "data: %s\n\n", b)
}

// ConditionsHandler handles GET/POST /v1/conditions. Posted snapshots go
// through the feed, which notifies the monitor loop.
func (s *Server) ConditionsHandler(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodGet:
        c, err := s.Conditions.Latest(r.Context())
        if err != nil { writeProblem(w, http.StatusBadGateway, "Conditions unavailable", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, c)
    case http.MethodPost:
        var c model.Conditions
        if err := decode(w, r, &c); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validateConditions(c); err != nil {
            writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error(), r.URL.Path)
            return
        }
        if err := s.Conditions.Publish(r.Context(), c); err != nil {
            writeProblem(w, http.StatusBadGateway, "Publish conditions failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusAccepted, c)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
    defer cancel()
    // Check DB connectivity when using Postgres store
    type pinger interface{ Ping(ctx context.Context) error }
    if pg, ok := s.Store.(pinger); ok {
        if err := pg.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", "store: "+err.Error(), r.URL.Path); return }
    }
    for name, check := range s.Checks {
        if err := check(ctx); err != nil { writeProblem(w, 503, "Not Ready", name+": "+err.Error(), r.URL.Path); return }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}

// Admin: webhook deliveries list and retry
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    status := r.URL.Query().Get("status")
    items, err := s.Store.ListWebhookDeliveries(r.Context(), status, parseLimit(r.URL.Query().Get("limit"), 100))
    if err != nil { writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodPost { w.WriteHeader(405); return }
    id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
    if err := s.Store.RetryWebhookDelivery(r.Context(), id); err != nil {
        if errors.Is(err, model.ErrNotFound) { writeProblem(w, 404, "Delivery not found", id, r.URL.Path); return }
        writeProblem(w, 500, "Retry delivery failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, 202, map[string]int{"accepted": 1})
}

func parseLimit(v string, def int) int {
    n, err := strconv.Atoi(v)
    if err != nil || n <= 0 { return def }
    if n > 500 { return 500 }
    return n
}

func validBatchStatus(st model.BatchStatus) bool {
    switch st {
    case model.BatchPlanned, model.BatchActive, model.BatchPaused, model.BatchCompleted, model.BatchCancelled:
        return true
    }
    return false
}
