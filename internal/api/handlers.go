package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/metabinary-ltd/reforge/internal/errdefs"
	"github.com/metabinary-ltd/reforge/internal/events"
	"github.com/metabinary-ltd/reforge/internal/orchestrator"
	"github.com/metabinary-ltd/reforge/internal/types"
)

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/v1/system", s.wrapAuth(s.handleSystem))
	s.mux.HandleFunc("/api/v1/status", s.wrapAuth(s.handleStatus))
	s.mux.HandleFunc("/api/v1/events", s.wrapAuth(s.handleEvents))
	s.mux.HandleFunc("/api/v1/analyze", s.wrapAuth(s.handleAnalyze))
	s.mux.HandleFunc("/api/v1/runs", s.wrapAuth(s.handleRuns))
	s.mux.HandleFunc("/api/v1/runs/", s.wrapAuth(s.handleRunRoutes))
	s.mux.HandleFunc("/api/v1/history", s.wrapAuth(s.handleHistory))
}

func (s *Server) wrapAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" && !strings.HasPrefix(r.URL.Path, "/health") {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.authToken {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, nil)
		return
	}
	info := s.orch.SystemInfo()
	if info == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no system analysis available"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"system":    info,
		"readiness": s.orch.Readiness(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, nil)
		return
	}

	var (
		evs    []events.Event
		cursor int64
	)
	if v := r.URL.Query().Get("since"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since cursor"})
			return
		}
		cursor = seq
		evs = s.orch.EventsSince(seq)
	} else {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		evs = s.orch.RecentEvents(limit)
	}
	if len(evs) > 0 {
		cursor = evs[len(evs)-1].Seq
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": evs,
		"cursor": cursor,
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, nil)
		return
	}
	if err := s.orch.StartAnalysis(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "analyzing"})
}

type startRunRequest struct {
	Profile      string `json:"profile"`
	PreserveData bool   `json:"preserve_data"`
	BitLocker    bool   `json:"bitlocker"`
	ConfirmToken string `json:"confirm_token"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		runs, err := s.store.ListRuns(r.Context(), limit)
		if err != nil {
			s.logger.Error("failed to list runs", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
			return
		}
		writeJSON(w, http.StatusOK, runs)
	case http.MethodPost:
		s.handleStartRun(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, nil)
	}
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	profile, _ := types.ParseProfile(req.Profile)
	opts := types.Options{
		Profile:      profile,
		PreserveData: req.PreserveData,
		BitLocker:    req.BitLocker,
	}
	id, err := s.orch.StartRun(r.Context(), opts, req.ConfirmToken)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "run_id": id})
}

func (s *Server) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	// Handles /api/v1/runs/cancel and /api/v1/runs/{id}.
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		s.handleRuns(w, r)
		return
	}
	if parts[0] == "cancel" {
		s.handleCancel(w, r)
		return
	}
	s.handleRunDetail(w, r, parts[0])
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, nil)
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("failed to load run", "run_id", runID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, nil)
		return
	}
	if err := s.orch.Cancel(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, nil)
		return
	}
	classes, err := s.store.Classes(r.Context())
	if err != nil {
		s.logger.Error("failed to list duration classes", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}

	out := make(map[string]map[string]float64, len(classes))
	for _, class := range classes {
		est, err := s.store.Estimate(r.Context(), class)
		if err != nil {
			s.logger.Error("failed to load estimates", "class", class, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
			return
		}
		stages := make(map[string]float64, len(est))
		for id, d := range est {
			stages[string(id)] = d.Seconds()
		}
		out[string(class)] = stages
	}
	writeJSON(w, http.StatusOK, out)
}

// writeError maps orchestrator failures onto HTTP statuses. Anything
// without a known code is reported as an opaque internal error.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errdefs.IsCode(err, errdefs.CodeValidation):
		status = http.StatusBadRequest
	case errdefs.IsCode(err, errdefs.CodeConfirmation):
		status = http.StatusForbidden
	case errdefs.IsCode(err, errdefs.CodeConcurrency):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrTooLateToCancel):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
