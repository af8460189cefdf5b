package api

import (
    "net/http"
    "time"

    "batchnav/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    active := 0
    if s.Registry != nil {
        active = len(s.Registry.List(""))
    }
    writeJSON(w, http.StatusOK, map[string]any{
        "build":   buildinfo.Info(),
        "time":    time.Now().UTC().Format(time.RFC3339),
        "config":  s.Config.Redacted(),
        "batches": active,
    })
}
