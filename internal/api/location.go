package api

import (
	"net/http"
	"sync"
	"time"

	"batchnav/internal/engine"
	"batchnav/internal/model"
)

// LatestLocation is the last driver position reported for a batch.
type LatestLocation struct {
	BatchID  string    `json:"batchId"`
	DriverID string    `json:"driverId,omitempty"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	TS       time.Time `json:"ts"`
}

// LocationCache keeps report timestamps next to the position the engine
// holds, so clients can tell a stale fix.
type LocationCache struct {
	mu sync.Mutex
	m  map[string]LatestLocation
}

func NewLocationCache() *LocationCache { return &LocationCache{m: map[string]LatestLocation{}} }

func (c *LocationCache) Upsert(loc LatestLocation) {
	if loc.BatchID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// out-of-order reports never move the position back
	if cur, ok := c.m[loc.BatchID]; ok && loc.TS.Before(cur.TS) {
		return
	}
	c.m[loc.BatchID] = loc
}

func (c *LocationCache) Get(batchID string) (LatestLocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[batchID]
	return v, ok
}

type locationReport struct {
	Lat float64   `json:"lat"`
	Lng float64   `json:"lng"`
	TS  time.Time `json:"ts,omitempty"`
}

// locationHandler handles GET/POST /v1/batches/{id}/location
func (s *Server) locationHandler(w http.ResponseWriter, r *http.Request, e *engine.Engine) {
	switch r.Method {
	case http.MethodGet:
		if loc, ok := s.locations.Get(e.ID()); ok {
			writeJSON(w, http.StatusOK, loc)
			return
		}
		p := e.DriverLocation()
		if p == nil {
			writeProblem(w, http.StatusNotFound, "No location", "no driver location reported", r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, LatestLocation{BatchID: e.ID(), DriverID: e.Snapshot().DriverID, Lat: p.Lat, Lng: p.Lng})
	case http.MethodPost:
		var rep locationReport
		if err := decode(w, r, &rep); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		p := model.GeoPoint{Lat: rep.Lat, Lng: rep.Lng}
		if err := validatePoint("location", p); err != nil {
			writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error(), r.URL.Path)
			return
		}
		if rep.TS.IsZero() {
			rep.TS = time.Now().UTC()
		}
		if cur, ok := s.locations.Get(e.ID()); ok && rep.TS.Before(cur.TS) {
			writeJSON(w, http.StatusAccepted, cur)
			return
		}
		if err := e.SetLocation(r.Context(), p); err != nil {
			writeError(w, r, err)
			return
		}
		loc := LatestLocation{BatchID: e.ID(), DriverID: e.Snapshot().DriverID, Lat: p.Lat, Lng: p.Lng, TS: rep.TS}
		s.locations.Upsert(loc)
		writeJSON(w, http.StatusAccepted, loc)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
