package directions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"batchnav/internal/model"
	"batchnav/internal/obs"
)

// HTTPClient talks to an OpenRouteService-compatible directions endpoint.
// It is safe for concurrent use.
type HTTPClient struct {
	session *http.Client
	apiKey  string
	baseURL string
	profile string
	// FreeFlowKph is the uncongested speed used to derive a traffic
	// condition from the returned durations.
	FreeFlowKph float64
	// MaxAttempts bounds retries of transient failures.
	MaxAttempts int
	Backoff     time.Duration
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("directions base url is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		session:     &http.Client{Timeout: timeout},
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		profile:     "driving-car",
		FreeFlowKph: 40,
		MaxAttempts: 4,
		Backoff:     200 * time.Millisecond,
	}, nil
}

type directionsRequest struct {
	Coordinates [][]float64 `json:"coordinates"`
}

type directionsResponse struct {
	Routes []struct {
		Summary  segment   `json:"summary"`
		Segments []segment `json:"segments"`
	} `json:"routes"`
}

type segment struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
}

func (c *HTTPClient) Estimate(ctx context.Context, from, to model.GeoPoint) (Estimate, error) {
	e, err := c.route(ctx, []model.GeoPoint{from, to})
	return e, wrap("estimate", err)
}

func (c *HTTPClient) EstimateLegSequence(ctx context.Context, pts []model.GeoPoint) (Estimate, error) {
	if len(pts) < 2 {
		return Estimate{Traffic: model.TrafficClear}, nil
	}
	e, err := c.route(ctx, pts)
	return e, wrap("leg_sequence", err)
}

func (c *HTTPClient) route(ctx context.Context, pts []model.GeoPoint) (_ Estimate, err error) {
	defer obs.Time(ctx, "directions.route")(&err)

	body := directionsRequest{Coordinates: make([][]float64, len(pts))}
	for i, p := range pts {
		// ORS wants lng,lat
		body.Coordinates[i] = []float64{p.Lng, p.Lat}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Estimate{}, fmt.Errorf("marshal directions request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v2/directions/%s", c.baseURL, c.profile)
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	})
	if err != nil {
		return Estimate{}, fmt.Errorf("directions request failed: %w", err)
	}
	defer resp.Body.Close()

	var dr directionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return Estimate{}, fmt.Errorf("decode directions response: %w", err)
	}
	if len(dr.Routes) == 0 {
		return Estimate{}, errors.New("directions returned no route")
	}
	r := dr.Routes[0]
	out := Estimate{DistanceMeters: r.Summary.Distance, DurationSeconds: r.Summary.Duration, Traffic: model.TrafficUnknown}
	segs := r.Segments
	if len(segs) == 0 {
		segs = []segment{r.Summary}
	}
	for _, s := range segs {
		out.Traffic = model.Worse(out.Traffic, ClassifyDelay(s.Duration, c.freeFlowSec(s.Distance)))
	}
	return out, nil
}

func (c *HTTPClient) freeFlowSec(meters float64) float64 {
	kph := c.FreeFlowKph
	if kph <= 0 {
		kph = 40
	}
	return meters / (kph / 3.6)
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("Code %d: %s", e.Code, e.Body)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.session.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// doWithRetry retries network errors, 429 and 5xx with exponential backoff
// while respecting context cancellation.
func (c *HTTPClient) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := c.Backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := makeReq()
		if err != nil {
			return nil, fmt.Errorf("make request: %w", err)
		}
		resp, err := c.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retry := false
		var he *httpStatusError
		if errors.As(err, &he) {
			switch he.Code {
			case 429, 500, 502, 503, 504:
				retry = true
			}
		}
		var netErr net.Error
		if !retry && errors.As(err, &netErr) {
			retry = true
		}
		if !retry || attempt == attempts {
			return nil, lastErr
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}
