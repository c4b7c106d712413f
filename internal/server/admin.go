package server

import (
	"encoding/json"
	"net/http"

	"github.com/speechrelay/asrworkerd/internal/observe"
)

// handleReset clears the requested slices of per-process state. An empty
// body resets nothing and still answers ok.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if req.ResetVAD && s.detector != nil {
		s.detector.Reset()
	}
	if req.ResetContext {
		s.store.ResetAudio()
	}
	if req.ResetTextContext {
		s.store.ResetText()
	}

	observe.Logger(r.Context()).Info("state reset",
		"vad", req.ResetVAD,
		"audio_context", req.ResetContext,
		"text_context", req.ResetTextContext,
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth reports model availability and worker statistics. The
// endpoint always answers 200; a degraded status is data, not an error.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.manager.Stats()

	status := "ok"
	if !s.manager.Ready() {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         status,
		ASRModelLoaded: s.manager.Ready(),
		VADModelLoaded: s.detector != nil,
		ASRWorker:      stats,
	})
}
