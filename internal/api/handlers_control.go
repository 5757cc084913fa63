// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vodbridge/vodbridge/internal/session"
)

// handleStopClient arms the stop signal for one client. The stream that
// serves it notices at its next poll and terminates.
func (s *Server) handleStopClient(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}
	if err := s.manager.RequestStop(r.Context(), clientID); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("failed to set stop signal")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionView is the operator-facing shape of one session record.
type sessionView struct {
	SessionID     string  `json:"session_id"`
	ContentKind   string  `json:"content_kind"`
	ContentID     string  `json:"content_id"`
	ContentName   string  `json:"content_name"`
	ClientIP      string  `json:"client_ip"`
	Owner         string  `json:"owner"`
	ActiveStreams int     `json:"active_streams"`
	RequestCount  int64   `json:"request_count"`
	BytesSent     int64   `json:"bytes_sent"`
	LastActivity  string  `json:"last_activity"`
	SeekPercent   float64 `json:"seek_percent,omitempty"`
	ProfileID     string  `json:"profile_id"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views := make([]sessionView, 0, 16)
	err := s.store.Scan(r.Context(), func(rec *session.Record) error {
		views = append(views, sessionView{
			SessionID:     rec.SessionID,
			ContentKind:   rec.ContentKind,
			ContentID:     rec.ContentID,
			ContentName:   rec.ContentName,
			ClientIP:      rec.ClientIP,
			Owner:         rec.Owner,
			ActiveStreams: rec.ActiveStreams,
			RequestCount:  rec.RequestCount,
			BytesSent:     rec.BytesSent,
			LastActivity:  rec.LastActivity.UTC().Format(time.RFC3339),
			SeekPercent:   rec.SeekPercent,
			ProfileID:     rec.ProfileID,
		})
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("session scan failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode session list")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.redis.Ping(r.Context()).Err(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "redis": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"worker":  s.cfg.WorkerID,
		"streams": s.manager.LocalStreamCount(),
	})
}
