package store

import (
    "context"
    "database/sql"
    _ "embed"
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "batchnav/internal/model"
)

//go:embed schema.sql
var schemaSQL string

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
    if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
        return fmt.Errorf("migrate: %w", err)
    }
    return nil
}

func (p *Postgres) SaveBatch(ctx context.Context, rec BatchRecord) error {
    snap, err := json.Marshal(rec.Batch)
    if err != nil { return err }
    base, err := json.Marshal(rec.Baseline)
    if err != nil { return err }
    var loc any
    if rec.Driver != nil {
        b, _ := json.Marshal(rec.Driver)
        loc = string(b)
    }
    if rec.UpdatedAt.IsZero() { rec.UpdatedAt = time.Now().UTC() }
    _, err = p.db.ExecContext(ctx, `INSERT INTO batches (id, driver_id, status, snapshot, retry_budget, driver_loc, baseline, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (id) DO UPDATE SET driver_id=EXCLUDED.driver_id, status=EXCLUDED.status, snapshot=EXCLUDED.snapshot,
            retry_budget=EXCLUDED.retry_budget, driver_loc=EXCLUDED.driver_loc, baseline=EXCLUDED.baseline, updated_at=EXCLUDED.updated_at`,
        rec.Batch.ID, nullIfEmpty(rec.Batch.DriverID), string(rec.Batch.Status), string(snap), rec.RetryBudget, loc, string(base), rec.Batch.CreatedAt, rec.UpdatedAt)
    return err
}

const batchCols = `snapshot, retry_budget, driver_loc, baseline, updated_at`

func scanBatch(sc interface{ Scan(...any) error }) (BatchRecord, error) {
    var rec BatchRecord
    var snap, base []byte
    var loc []byte
    if err := sc.Scan(&snap, &rec.RetryBudget, &loc, &base, &rec.UpdatedAt); err != nil {
        return rec, err
    }
    if err := json.Unmarshal(snap, &rec.Batch); err != nil {
        return rec, fmt.Errorf("decode batch: %w", err)
    }
    if err := json.Unmarshal(base, &rec.Baseline); err != nil {
        return rec, fmt.Errorf("decode baseline: %w", err)
    }
    if len(loc) > 0 {
        var g model.GeoPoint
        if err := json.Unmarshal(loc, &g); err == nil { rec.Driver = &g }
    }
    return rec, nil
}

func (p *Postgres) GetBatch(ctx context.Context, id string) (BatchRecord, error) {
    rec, err := scanBatch(p.db.QueryRowContext(ctx, `SELECT `+batchCols+` FROM batches WHERE id=$1`, id))
    if errors.Is(err, sql.ErrNoRows) { return rec, ErrNotFound }
    return rec, err
}

func (p *Postgres) ListBatches(ctx context.Context, status, cursor string, limit int) ([]BatchRecord, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT `+batchCols+` FROM batches
        WHERE ($1 = '' OR status = $1) AND ($2 = '' OR id > $2) ORDER BY id LIMIT $3`, status, cursor, limit)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []BatchRecord{}
    var last string
    for rows.Next() {
        rec, err := scanBatch(rows)
        if err != nil { return nil, "", err }
        out = append(out, rec)
        last = rec.Batch.ID
    }
    if err := rows.Err(); err != nil { return nil, "", err }
    return out, nextCursor(len(out), limit, last), nil
}

func (p *Postgres) ListOpenBatches(ctx context.Context) ([]BatchRecord, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT `+batchCols+` FROM batches WHERE status NOT IN ('completed','cancelled') ORDER BY created_at`)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []BatchRecord{}
    for rows.Next() {
        rec, err := scanBatch(rows)
        if err != nil { return nil, err }
        out = append(out, rec)
    }
    return out, rows.Err()
}

func (p *Postgres) SaveRoute(ctx context.Context, r model.OptimizedRoute) (int, error) {
    body, err := json.Marshal(r)
    if err != nil { return 0, err }
    var v int
    err = p.db.QueryRowContext(ctx, `INSERT INTO batch_routes (batch_id, version, mode, score, distance_m, duration_s, route, calculated_at)
        SELECT $1, COALESCE(MAX(version),0)+1, $2, $3, $4, $5, $6, $7 FROM batch_routes WHERE batch_id=$1
        RETURNING version`,
        r.BatchID, string(r.Mode), r.OptimizationScore, r.TotalDistanceMeters, r.TotalDurationSeconds, string(body), r.CalculatedAt).Scan(&v)
    return v, err
}

func (p *Postgres) LatestRoute(ctx context.Context, batchID string) (model.OptimizedRoute, error) {
    var r model.OptimizedRoute
    var body []byte
    err := p.db.QueryRowContext(ctx, `SELECT route FROM batch_routes WHERE batch_id=$1 ORDER BY version DESC LIMIT 1`, batchID).Scan(&body)
    if errors.Is(err, sql.ErrNoRows) { return r, ErrNotFound }
    if err != nil { return r, err }
    err = json.Unmarshal(body, &r)
    return r, err
}

func (p *Postgres) ListRoutes(ctx context.Context, batchID string, limit int) ([]RouteRecord, error) {
    if limit <= 0 || limit > 200 { limit = 20 }
    rows, err := p.db.QueryContext(ctx, `SELECT version, route FROM batch_routes WHERE batch_id=$1 ORDER BY version DESC LIMIT $2`, batchID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []RouteRecord{}
    for rows.Next() {
        var rr RouteRecord
        var body []byte
        if err := rows.Scan(&rr.Version, &body); err != nil { return nil, err }
        if err := json.Unmarshal(body, &rr.Route); err != nil { return nil, err }
        out = append(out, rr)
    }
    return out, rows.Err()
}

func (p *Postgres) SaveAdjustment(ctx context.Context, batchID string, res model.RouteAdjustmentResult) error {
    body, err := json.Marshal(res)
    if err != nil { return err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO batch_adjustments (batch_id, status, impact, result, evaluated_at) VALUES ($1,$2,$3,$4,$5)`,
        batchID, string(res.Status), res.ImpactScore, string(body), res.EvaluatedAt)
    return err
}

func (p *Postgres) ListAdjustments(ctx context.Context, batchID string, limit int) ([]model.RouteAdjustmentResult, error) {
    if limit <= 0 || limit > 200 { limit = 20 }
    rows, err := p.db.QueryContext(ctx, `SELECT result FROM batch_adjustments WHERE batch_id=$1 ORDER BY id DESC LIMIT $2`, batchID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.RouteAdjustmentResult{}
    for rows.Next() {
        var body []byte
        if err := rows.Scan(&body); err != nil { return nil, err }
        var res model.RouteAdjustmentResult
        if err := json.Unmarshal(body, &res); err != nil { return nil, err }
        out = append(out, res)
    }
    return out, rows.Err()
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    dk := computeDedupKey(payload)
    var got string
    err := p.db.QueryRowContext(ctx, `INSERT INTO webhook_deliveries (id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,'pending',0,now(),$6)
        ON CONFLICT (event_type, url, dedup_key) DO UPDATE SET updated_at=webhook_deliveries.updated_at
        RETURNING id::text`, id, eventType, url, nullIfEmpty(secret), payload, dk).Scan(&got)
    if err != nil { return "", err }
    return got, nil
}

const deliveryCols = `id::text, event_type, url, COALESCE(secret,''), payload, status, attempts, next_attempt_at, COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0), delivered_at`

func scanDelivery(sc interface{ Scan(...any) error }) (WebhookDelivery, error) {
    var d WebhookDelivery
    var delivered sql.NullTime
    err := sc.Scan(&d.ID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts, &d.NextAttemptAt, &d.LastError, &d.ResponseCode, &d.LatencyMs, &delivered)
    if delivered.Valid { t := delivered.Time; d.DeliveredAt = &t }
    return d, err
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryCols+`
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        d, err := scanDelivery(rows)
        if err != nil { return nil, err }
        out = append(out, d)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if !success {
        if nextAttemptAt == nil { t := time.Now().Add(1 * time.Minute); nextAttemptAt = &t }
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
            id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
        return err
    }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
    return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
        id, nullIfEmpty(lastError), responseCode, latencyMs)
    return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]WebhookDelivery, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC LIMIT $2`, status, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        d, err := scanDelivery(rows)
        if err != nil { return nil, err }
        out = append(out, d)
    }
    return out, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, id string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', attempts=0, next_attempt_at=now(), updated_at=now() WHERE id=$1`, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }
