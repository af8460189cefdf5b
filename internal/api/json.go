package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"batchnav/internal/model"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps engine errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := classify(err)
	writeProblem(w, status, title, err.Error(), r.URL.Path)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, model.ErrUnknownOrder):
		return http.StatusNotFound, "Unknown order"
	case errors.Is(err, model.ErrInvalidSequence):
		return http.StatusUnprocessableEntity, "Invalid sequence"
	case errors.Is(err, model.ErrDeviationExceeded):
		return http.StatusUnprocessableEntity, "Deviation exceeded"
	case errors.Is(err, model.ErrTooFewOrders):
		return http.StatusUnprocessableEntity, "Too few orders"
	case errors.Is(err, model.ErrRetryExhausted):
		return http.StatusConflict, "Retry budget exhausted"
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, "Invalid transition"
	case errors.Is(err, model.ErrBatchClosed):
		return http.StatusConflict, "Batch closed"
	case errors.Is(err, model.ErrBatchFull):
		return http.StatusConflict, "Batch full"
	case errors.Is(err, model.ErrBatchExists), errors.Is(err, model.ErrDuplicateOrder):
		return http.StatusConflict, "Already exists"
	case errors.Is(err, model.ErrDirectionsService):
		return http.StatusBadGateway, "Directions unavailable"
	case errors.Is(err, model.ErrMalformedBatch):
		return http.StatusInternalServerError, "Malformed batch"
	}
	return http.StatusInternalServerError, "Internal error"
}

// decode reads a JSON body, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
