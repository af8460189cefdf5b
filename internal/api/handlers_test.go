package api

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/gorilla/websocket"

    "batchnav/internal/conditions"
    "batchnav/internal/config"
    "batchnav/internal/engine"
    "batchnav/internal/events"
    "batchnav/internal/model"
    "batchnav/internal/monitor"
    "batchnav/internal/store"
)

type testEnv struct {
    s     *Server
    h     http.Handler
    reg   *engine.Registry
    store *store.Memory
    feed  *conditions.Static
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testEnv {
    t.Helper()
    cfg := config.Default()
    cfg.RateLimit.RPS = 0
    for _, m := range mutate { m(&cfg) }
    st := store.NewMemory()
    br := events.NewBroker()
    feed := conditions.NewStatic(model.ClearConditions())
    reg := engine.NewRegistry(engine.Deps{Store: st, Events: br, Conditions: feed})
    t.Cleanup(reg.Wait)
    s := NewServer(reg, st, br, feed, cfg)
    return &testEnv{s: s, h: s.Routes(), reg: reg, store: st, feed: feed}
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
    t.Helper()
    var rd *strings.Reader
    if body == "" { rd = strings.NewReader("") } else { rd = strings.NewReader(body) }
    req := httptest.NewRequest(method, path, rd)
    if body != "" { req.Header.Set("Content-Type", "application/json") }
    rr := httptest.NewRecorder()
    env.h.ServeHTTP(rr, req)
    return rr
}

const twoOrders = `{"id":"b1","driverId":"d1","orders":[
 {"id":"o1","vendorLocation":{"lat":40.0,"lng":-74.0},"deliveryLocation":{"lat":40.02,"lng":-74.0}},
 {"id":"o2","vendorLocation":{"lat":40.01,"lng":-74.0},"deliveryLocation":{"lat":40.03,"lng":-74.0}}]}`

func (env *testEnv) createBatch(t *testing.T) {
    t.Helper()
    rr := env.do(t, http.MethodPost, "/v1/batches", twoOrders)
    if rr.Code != http.StatusCreated { t.Fatalf("create: %d %s", rr.Code, rr.Body.String()) }
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
    t.Helper()
    var v T
    if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil { t.Fatalf("decode %q: %v", rr.Body.String(), err) }
    return v
}

func TestHealthReady(t *testing.T) {
    env := newTestServer(t)
    if rr := env.do(t, http.MethodGet, "/healthz", ""); rr.Code != 200 { t.Fatalf("health: got %d", rr.Code) }
    if rr := env.do(t, http.MethodGet, "/readyz", ""); rr.Code != 200 { t.Fatalf("ready: got %d", rr.Code) }

    env.s.Checks["redis"] = func(context.Context) error { return context.DeadlineExceeded }
    rr := env.do(t, http.MethodGet, "/readyz", "")
    if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "redis") {
        t.Fatalf("ready with failing check: %d %s", rr.Code, rr.Body.String())
    }
}

func TestCreateAndReadBatch(t *testing.T) {
    env := newTestServer(t)
    rr := env.do(t, http.MethodPost, "/v1/batches", twoOrders)
    if rr.Code != http.StatusCreated { t.Fatalf("create: %d %s", rr.Code, rr.Body.String()) }
    if loc := rr.Header().Get("Location"); loc != "/v1/batches/b1" { t.Fatalf("location header %q", loc) }
    view := decodeBody[engine.View](t, rr)
    if view.Batch.Status != model.BatchPlanned || view.Route == nil || len(view.Route.Waypoints) != 4 {
        t.Fatalf("view: %+v", view)
    }

    rr = env.do(t, http.MethodGet, "/v1/batches/b1/route", "")
    if rr.Code != 200 { t.Fatalf("route: %d", rr.Code) }
    rt := decodeBody[model.OptimizedRoute](t, rr)
    if rt.Mode != model.ModeOptimized || rt.BatchID != "b1" { t.Fatalf("route %+v", rt) }

    rr = env.do(t, http.MethodGet, "/v1/batches/b1/routes", "")
    hist := decodeBody[struct{ Items []store.RouteRecord `json:"items"` }](t, rr)
    if len(hist.Items) != 1 || hist.Items[0].Version != 1 { t.Fatalf("history %+v", hist) }

    rr = env.do(t, http.MethodGet, "/v1/batches?status=planned", "")
    list := decodeBody[struct{ Items []model.DeliveryBatch `json:"items"` }](t, rr)
    if len(list.Items) != 1 || list.Items[0].ID != "b1" { t.Fatalf("list %+v", list) }

    rr = env.do(t, http.MethodGet, "/v1/batches/b1/orders/o2", "")
    if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"stage":"not_started"`) { t.Fatalf("track: %d %s", rr.Code, rr.Body.String()) }
}

func TestCreateRejectsBadInput(t *testing.T) {
    env := newTestServer(t)
    cases := map[string]string{
        "one order":  `{"orders":[{"id":"o1","vendorLocation":{"lat":1,"lng":1},"deliveryLocation":{"lat":1,"lng":2}}]}`,
        "bad json":   `{"orders":`,
        "unknown":    `{"orderz":[]}`,
        "bad coords": `{"orders":[{"id":"o1","vendorLocation":{"lat":91,"lng":1},"deliveryLocation":{"lat":1,"lng":2}},{"id":"o2","vendorLocation":{"lat":1,"lng":1},"deliveryLocation":{"lat":1,"lng":2}}]}`,
        "dup order":  `{"orders":[{"id":"o1","vendorLocation":{"lat":1,"lng":1},"deliveryLocation":{"lat":1,"lng":2}},{"id":"o1","vendorLocation":{"lat":1,"lng":1},"deliveryLocation":{"lat":1,"lng":2}}]}`,
    }
    for name, body := range cases {
        rr := env.do(t, http.MethodPost, "/v1/batches", body)
        if rr.Code != http.StatusBadRequest { t.Errorf("%s: got %d", name, rr.Code) }
        if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" { t.Errorf("%s: content type %q", name, ct) }
    }
    env.createBatch(t)
    if rr := env.do(t, http.MethodPost, "/v1/batches", twoOrders); rr.Code != http.StatusConflict {
        t.Fatalf("duplicate batch: %d", rr.Code)
    }
}

func TestUnknownBatchIs404(t *testing.T) {
    env := newTestServer(t)
    rr := env.do(t, http.MethodGet, "/v1/batches/nope", "")
    if rr.Code != http.StatusNotFound { t.Fatalf("got %d", rr.Code) }
    p := decodeBody[Problem](t, rr)
    if p.Status != 404 || p.Instance != "/v1/batches/nope" { t.Fatalf("problem %+v", p) }
}

func TestLifecycleAndDelivery(t *testing.T) {
    env := newTestServer(t)
    env.createBatch(t)

    rr := env.do(t, http.MethodPost, "/v1/batches/b1/waypoints/o1/pickup", `{"status":"in_progress"}`)
    if rr.Code != http.StatusConflict { t.Fatalf("mark before start: %d", rr.Code) }

    if rr := env.do(t, http.MethodPost, "/v1/batches/b1/start", ""); rr.Code != 200 { t.Fatalf("start: %d %s", rr.Code, rr.Body.String()) }
    if rr := env.do(t, http.MethodPost, "/v1/batches/b1/start", ""); rr.Code != http.StatusConflict { t.Fatalf("second start: %d", rr.Code) }
    if rr := env.do(t, http.MethodPost, "/v1/batches/b1/pause", ""); rr.Code != 200 { t.Fatalf("pause: %d", rr.Code) }
    if rr := env.do(t, http.MethodPost, "/v1/batches/b1/resume", ""); rr.Code != 200 { t.Fatalf("resume: %d", rr.Code) }

    rr = env.do(t, http.MethodPost, "/v1/batches/b1/waypoints/o1/delivery", `{"status":"in_progress"}`)
    if rr.Code != http.StatusConflict { t.Fatalf("delivery before pickup: %d", rr.Code) }

    steps := []struct{ kind, status string }{
        {"pickup", "in_progress"}, {"pickup", "completed"}, {"delivery", "in_progress"}, {"delivery", "completed"},
    }
    var last map[string]any
    for _, st := range steps {
        rr := env.do(t, http.MethodPost, "/v1/batches/b1/waypoints/o1/"+st.kind, `{"status":"`+st.status+`"}`)
        if rr.Code != 200 { t.Fatalf("%s %s: %d %s", st.kind, st.status, rr.Code, rr.Body.String()) }
        last = decodeBody[map[string]any](t, rr)
    }
    if last["orderDelivered"] != true || last["batchCompleted"] != false { t.Fatalf("last transition %v", last) }

    rr = env.do(t, http.MethodPost, "/v1/batches/b1/waypoints/o1/sideways", `{"status":"completed"}`)
    if rr.Code != http.StatusBadRequest { t.Fatalf("bad kind: %d", rr.Code) }

    rr = env.do(t, http.MethodPost, "/v1/batches/b1/cancel", `{"reason":"driver sick"}`)
    if rr.Code != 200 { t.Fatalf("cancel: %d", rr.Code) }
    b := decodeBody[model.DeliveryBatch](t, rr)
    if b.Status != model.BatchCancelled || b.CancelReason != "driver sick" { t.Fatalf("cancelled %+v", b) }
}

func TestFailedWaypointRetry(t *testing.T) {
    env := newTestServer(t)
    env.createBatch(t)
    env.do(t, http.MethodPost, "/v1/batches/b1/start", "")
    if rr := env.do(t, http.MethodPost, "/v1/batches/b1/waypoints/o2/pickup", `{"status":"failed"}`); rr.Code != 200 { t.Fatalf("fail: %d", rr.Code) }
    rr := env.do(t, http.MethodPost, "/v1/batches/b1/waypoints/o2/pickup/retry", "")
    if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"status":"pending"`) { t.Fatalf("retry: %d %s", rr.Code, rr.Body.String()) }
    env.do(t, http.MethodPost, "/v1/batches/b1/waypoints/o2/pickup", `{"status":"failed"}`)
    if rr := env.do(t, http.MethodPost, "/v1/batches/b1/waypoints/o2/pickup/retry", ""); rr.Code != http.StatusConflict {
        t.Fatalf("retry past budget: %d", rr.Code)
    }
}

func TestReorder(t *testing.T) {
    env := newTestServer(t)
    env.createBatch(t)
    rr := env.do(t, http.MethodPost, "/v1/batches/b1/reorder", `{"orderIds":["o1"]}`)
    if rr.Code != http.StatusUnprocessableEntity { t.Fatalf("partial reorder: %d %s", rr.Code, rr.Body.String()) }
    rr = env.do(t, http.MethodPost, "/v1/batches/b1/reorder", `{"orderIds":[]}`)
    if rr.Code != http.StatusBadRequest { t.Fatalf("empty reorder: %d", rr.Code) }

    rr = env.do(t, http.MethodPost, "/v1/batches/b1/reorder", `{"orderIds":["o2","o1"]}`)
    if rr.Code != 200 { t.Fatalf("reorder: %d %s", rr.Code, rr.Body.String()) }
    rt := decodeBody[model.OptimizedRoute](t, rr)
    if rt.Mode != model.ModeManual || rt.Waypoints[0].OrderID != "o2" || rt.Waypoints[1].OrderID != "o2" {
        t.Fatalf("manual route %+v", rt.Waypoints)
    }

    stops := `{"stopIds":["` + rt.Waypoints[0].ID + `","` + rt.Waypoints[2].ID + `","` + rt.Waypoints[1].ID + `","` + rt.Waypoints[3].ID + `"]}`
    if rr := env.do(t, http.MethodPost, "/v1/batches/b1/reorder-stops", stops); rr.Code != 200 {
        t.Fatalf("reorder stops: %d %s", rr.Code, rr.Body.String())
    }
}

func TestAddAndRemoveOrders(t *testing.T) {
    env := newTestServer(t)
    env.createBatch(t)
    o3 := `{"id":"o3","vendorLocation":{"lat":40.005,"lng":-74.0},"deliveryLocation":{"lat":40.025,"lng":-74.0}}`
    rr := env.do(t, http.MethodPost, "/v1/batches/b1/orders", o3)
    if rr.Code != 200 { t.Fatalf("add: %d %s", rr.Code, rr.Body.String()) }
    if rt := decodeBody[model.OptimizedRoute](t, rr); len(rt.Waypoints) != 6 { t.Fatalf("route after add: %d waypoints", len(rt.Waypoints)) }

    o4 := strings.Replace(o3, `"o3"`, `"o4"`, 1)
    if rr := env.do(t, http.MethodPost, "/v1/batches/b1/orders", o4); rr.Code != http.StatusConflict { t.Fatalf("over capacity: %d", rr.Code) }

    rr = env.do(t, http.MethodDelete, "/v1/batches/b1/orders/o3", "")
    if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"degraded":false`) { t.Fatalf("remove: %d %s", rr.Code, rr.Body.String()) }
    if rr := env.do(t, http.MethodDelete, "/v1/batches/b1/orders/zz", ""); rr.Code != http.StatusNotFound { t.Fatalf("unknown order: %d", rr.Code) }
    rr = env.do(t, http.MethodDelete, "/v1/batches/b1/orders/o2", "")
    if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"degraded":true`) { t.Fatalf("degrade: %d %s", rr.Code, rr.Body.String()) }
    if rr := env.do(t, http.MethodDelete, "/v1/batches/b1/orders/o1", ""); rr.Code != http.StatusConflict { t.Fatalf("closed batch: %d", rr.Code) }
}

func TestDriverLocation(t *testing.T) {
    env := newTestServer(t)
    env.createBatch(t)
    if rr := env.do(t, http.MethodGet, "/v1/batches/b1/location", ""); rr.Code != http.StatusNotFound { t.Fatalf("no location yet: %d", rr.Code) }
    if rr := env.do(t, http.MethodPost, "/v1/batches/b1/location", `{"lat":100,"lng":0}`); rr.Code != http.StatusBadRequest { t.Fatalf("bad lat: %d", rr.Code) }

    ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
    rr := env.do(t, http.MethodPost, "/v1/batches/b1/location", `{"lat":39.99,"lng":-74.0,"ts":"`+ts.Format(time.RFC3339)+`"}`)
    if rr.Code != http.StatusAccepted { t.Fatalf("report: %d %s", rr.Code, rr.Body.String()) }
    // an older fix is ignored
    rr = env.do(t, http.MethodPost, "/v1/batches/b1/location", `{"lat":10,"lng":10,"ts":"`+ts.Add(-time.Minute).Format(time.RFC3339)+`"}`)
    if rr.Code != http.StatusAccepted { t.Fatalf("stale report: %d", rr.Code) }

    loc := decodeBody[LatestLocation](t, env.do(t, http.MethodGet, "/v1/batches/b1/location", ""))
    if loc.Lat != 39.99 || loc.DriverID != "d1" { t.Fatalf("location %+v", loc) }
    e, _ := env.reg.Get("b1")
    if p := e.DriverLocation(); p == nil || p.Lat != 39.99 { t.Fatalf("engine location %+v", p) }
}

func TestConditionsPushReachesBatches(t *testing.T) {
    env := newTestServer(t)
    env.createBatch(t)
    loop := monitor.NewLoop(env.feed, time.Hour, env.reg.Fire)
    loop.Start()
    defer close(loop.Stop)

    rr := env.do(t, http.MethodPost, "/v1/conditions", `{"traffic":"gridlock"}`)
    if rr.Code != http.StatusBadRequest { t.Fatalf("bad traffic: %d", rr.Code) }
    rr = env.do(t, http.MethodPost, "/v1/conditions", `{"traffic":"severe","weather":"clear"}`)
    if rr.Code != http.StatusAccepted { t.Fatalf("push: %d %s", rr.Code, rr.Body.String()) }

    c := decodeBody[model.Conditions](t, env.do(t, http.MethodGet, "/v1/conditions", ""))
    if c.Traffic != model.TrafficSevere || c.ObservedAt.IsZero() { t.Fatalf("latest %+v", c) }

    e, _ := env.reg.Get("b1")
    deadline := time.Now().Add(2 * time.Second)
    for e.Adjustment() == nil && time.Now().Before(deadline) {
        time.Sleep(10 * time.Millisecond)
    }
    env.reg.Wait()
    adj := e.Adjustment()
    if adj == nil || adj.ImpactScore != 40 { t.Fatalf("adjustment %+v", adj) }

    rr = env.do(t, http.MethodGet, "/v1/batches/b1/adjustments", "")
    hist := decodeBody[struct{ Items []model.RouteAdjustmentResult `json:"items"` }](t, rr)
    if len(hist.Items) != 1 { t.Fatalf("adjustment history %+v", hist) }
}

func TestEvaluateNow(t *testing.T) {
    env := newTestServer(t)
    env.createBatch(t)
    rr := env.do(t, http.MethodPost, "/v1/batches/b1/evaluate", "")
    if rr.Code != 200 { t.Fatalf("evaluate: %d %s", rr.Code, rr.Body.String()) }
    res := decodeBody[model.RouteAdjustmentResult](t, rr)
    if res.Status != model.NoAdjustmentNeeded && res.Status != model.AdjustmentCalculated { t.Fatalf("result %+v", res) }
}

// sseRecorder is a minimal ResponseWriter that implements http.Flusher
// and captures writes for SSE tests.
type sseRecorder struct {
    mu   sync.Mutex
    hdr  http.Header
    buf  bytes.Buffer
    code int
}

func (r *sseRecorder) Header() http.Header { if r.hdr == nil { r.hdr = http.Header{} }; return r.hdr }
func (r *sseRecorder) WriteHeader(c int) { r.code = c }
func (r *sseRecorder) Write(p []byte) (int, error) { r.mu.Lock(); defer r.mu.Unlock(); return r.buf.Write(p) }
func (r *sseRecorder) Flush() {}
func (r *sseRecorder) contains(s string) bool { r.mu.Lock(); defer r.mu.Unlock(); return strings.Contains(r.buf.String(), s) }

func waitFor(t *testing.T, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(time.Second)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", what)
}

func TestBatchEventsSSE(t *testing.T) {
    env := newTestServer(t)
    env.createBatch(t)

    ctx, cancel := context.WithCancel(context.Background())
    req := httptest.NewRequest(http.MethodGet, "/v1/batches/b1/events/stream", nil).WithContext(ctx)
    rec := &sseRecorder{}
    done := make(chan struct{})
    go func() {
        env.h.ServeHTTP(rec, req)
        close(done)
    }()

    waitFor(t, "snapshot", func() bool { return rec.contains("event: snapshot") })
    if rr := env.do(t, http.MethodPost, "/v1/batches/b1/start", ""); rr.Code != 200 { t.Fatalf("start: %d", rr.Code) }
    waitFor(t, "status event", func() bool { return rec.contains("event: batch.status") && rec.contains(`"status":"active"`) })

    cancel()
    select {
    case <-done:
    case <-time.After(time.Second):
        t.Fatal("stream did not stop on cancel")
    }
    if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" { t.Fatalf("content type %q", ct) }
}

func TestBatchWebSocket(t *testing.T) {
    env := newTestServer(t)
    env.createBatch(t)
    srv := httptest.NewServer(env.h)
    defer srv.Close()

    conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/batches/b1/ws", nil)
    if err != nil { t.Fatalf("dial: %v", err) }
    defer conn.Close()
    _ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

    read := func() wsMessage {
        t.Helper()
        var m wsMessage
        if err := conn.ReadJSON(&m); err != nil { t.Fatalf("read: %v", err) }
        return m
    }
    if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil { t.Fatal(err) }
    if m := read(); m.Type != "connection_ack" { t.Fatalf("want ack, got %+v", m) }
    if err := conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: []byte(`{"types":["batch.status"]}`)}); err != nil { t.Fatal(err) }
    if m := read(); m.Type != "next" || !strings.Contains(string(m.Payload), `"snapshot"`) { t.Fatalf("want snapshot, got %+v", m) }

    if rr := env.do(t, http.MethodPost, "/v1/batches/b1/start", ""); rr.Code != 200 { t.Fatalf("start: %d", rr.Code) }
    m := read()
    var evt events.Event
    if err := json.Unmarshal(m.Payload, &evt); err != nil { t.Fatal(err) }
    if m.Type != "next" || m.ID != "1" || evt.Type != events.BatchStatus { t.Fatalf("event %+v", m) }

    if err := conn.WriteJSON(wsMessage{Type: "complete", ID: "1"}); err != nil { t.Fatal(err) }
    if m := read(); m.Type != "complete" || m.ID != "1" { t.Fatalf("want complete, got %+v", m) }
}

func TestWebhookDeliveriesAdmin(t *testing.T) {
    env := newTestServer(t)
    id, err := env.store.EnqueueWebhook(context.Background(), events.OrderDelivered, "https://wallet.example/hooks", "s3cret", []byte(`{"id":"evt_1"}`))
    if err != nil { t.Fatal(err) }
    rr := env.do(t, http.MethodGet, "/v1/admin/webhook-deliveries", "")
    if rr.Code != 200 || !strings.Contains(rr.Body.String(), id) { t.Fatalf("list: %d %s", rr.Code, rr.Body.String()) }
    if strings.Contains(rr.Body.String(), "s3cret") { t.Fatal("secret leaked") }
    if rr := env.do(t, http.MethodPost, "/v1/admin/webhook-deliveries/"+id+"/retry", ""); rr.Code != http.StatusAccepted { t.Fatalf("retry: %d", rr.Code) }
    if rr := env.do(t, http.MethodPost, "/v1/admin/webhook-deliveries/nope/retry", ""); rr.Code != http.StatusNotFound { t.Fatalf("retry unknown: %d", rr.Code) }
}

func TestRateLimit(t *testing.T) {
    env := newTestServer(t, func(c *config.Config) { c.RateLimit.RPS = 0.001; c.RateLimit.Burst = 1 })
    if rr := env.do(t, http.MethodGet, "/healthz", ""); rr.Code != 200 { t.Fatalf("first: %d", rr.Code) }
    rr := env.do(t, http.MethodGet, "/healthz", "")
    if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" { t.Fatalf("second: %d", rr.Code) }
}

func TestMetricsAndDocs(t *testing.T) {
    env := newTestServer(t)
    env.do(t, http.MethodGet, "/healthz", "")
    rr := env.do(t, http.MethodGet, "/metrics", "")
    if rr.Code != 200 || !strings.Contains(rr.Body.String(), "http_requests_total") { t.Fatalf("metrics: %d", rr.Code) }
    if rr := env.do(t, http.MethodGet, "/openapi.json", ""); rr.Code != 200 || !strings.Contains(rr.Body.String(), `"openapi"`) { t.Fatalf("openapi json: %d", rr.Code) }
    if rr := env.do(t, http.MethodGet, "/debug/info", ""); rr.Code != 200 || !strings.Contains(rr.Body.String(), `"build"`) { t.Fatalf("debug: %d", rr.Code) }
}

func TestRouteLabel(t *testing.T) {
    cases := map[string]string{
        "/v1/batches/bat_123":                              "/v1/batches/:id",
        "/v1/batches/bat_1/waypoints/o9/pickup":            "/v1/batches/:id/waypoints/:order/pickup",
        "/v1/batches/bat_1/orders/o9":                      "/v1/batches/:id/orders/:order",
        "/v1/admin/webhook-deliveries/wh_1/retry":          "/v1/admin/webhook-deliveries/:id/retry",
        "/healthz":                                         "/healthz",
    }
    for in, want := range cases {
        if got := routeLabel(in); got != want { t.Errorf("routeLabel(%q) = %q, want %q", in, got, want) }
    }
}
