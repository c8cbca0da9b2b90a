package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6/internal/snapshots"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("response marshal failed")
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "g6",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Stats())
}

type catalogResponse struct {
	Count     int                        `json:"count"`
	Snapshots []snapshots.ExpirySnapshot `json:"snapshots"`
	Overview  snapshots.Overview         `json:"overview"`
}

// handleSnapshots serves the option-chain catalog. 410 marks the feature
// switched off, 400 marks a catalog with no cache behind it.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.HTTP.CatalogHTTP {
		writeError(w, http.StatusGone, "catalog http disabled")
		return
	}
	if !s.cfg.HTTP.SnapshotCache || s.snaps == nil || !s.snaps.Enabled() {
		writeError(w, http.StatusBadRequest, "snapshot cache disabled")
		return
	}
	list := s.snaps.List(r.URL.Query().Get("index"))
	writeJSON(w, http.StatusOK, catalogResponse{
		Count:     len(list),
		Snapshots: list,
		Overview:  snapshots.BuildOverview(list),
	})
}
