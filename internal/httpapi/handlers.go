package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"ragvault/internal/query"
	"ragvault/internal/repository"
	"ragvault/internal/scheduler"
	"ragvault/internal/stream"
)

type indexRequest struct {
	OrgID         string `json:"org_id"`
	DocumentID    string `json:"document_id"`
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.OrgID == "" || req.DocumentID == "" {
		respondError(w, http.StatusBadRequest, "org_id and document_id are required")
		return
	}

	ctx := r.Context()
	_, err := s.Repo.BeginProcessing(ctx, req.OrgID, req.DocumentID, false)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDocumentNotFound):
			respondError(w, http.StatusNotFound, "unknown document")
		case errors.Is(err, repository.ErrAlreadyRunning):
			respondError(w, http.StatusConflict, "document already running")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	job := scheduler.Job{OrgID: req.OrgID, DocumentID: req.DocumentID, CorrelationID: req.CorrelationID}
	if err := s.Scheduler.Submit(ctx, job); err != nil {
		if errors.Is(err, scheduler.ErrBusy) {
			// Roll the row back so it is eligible for a future submission instead of
			// being stuck in processing forever (spec.md §7 Busy: "caller may retry").
			_ = s.Repo.SetStatus(ctx, req.OrgID, req.DocumentID, repository.StatusPending, "")
			respondError(w, http.StatusTooManyRequests, "queue full")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"status":      string(repository.StatusProcessing),
		"org_id":      req.OrgID,
		"document_id": req.DocumentID,
	})
}

type askRequest struct {
	OrgID         string     `json:"org_id"`
	Message       string     `json:"message"`
	Options       askOptions `json:"options"`
	CorrelationID string     `json:"correlation_id"`
}

type askOptions struct {
	K         int  `json:"k"`
	FastMode  bool `json:"fast_mode"`
	Citations bool `json:"citations"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.OrgID == "" || req.Message == "" {
		respondError(w, http.StatusBadRequest, "org_id and message are required")
		return
	}

	sw, err := stream.NewWriter(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	_ = s.Query.Run(r.Context(), sw, query.Request{
		OrgID:   req.OrgID,
		Message: req.Message,
		Options: query.Options{
			K:             req.Options.K,
			FastMode:      req.Options.FastMode,
			Citations:     req.Options.Citations,
			CorrelationID: req.CorrelationID,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "ok"
	if err := s.Health.Ping(r.Context()); err != nil {
		status = "degraded"
		dbStatus = err.Error()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.Version,
		"providers": map[string]string{
			"embedding":  s.Providers.Embedding,
			"completion": s.Providers.Completion,
			"vector_db":  s.Providers.VectorDB,
		},
		"database": dbStatus,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}
