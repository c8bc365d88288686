// Package httpapi exposes the service's only external surface (spec.md §6): indexing,
// question answering, and health, following the teacher's ServeMux/registerRoutes shape
// (this package previously served only the playground API on the same pattern).
package httpapi

import (
	"context"
	"net/http"

	"ragvault/internal/ingestion"
	"ragvault/internal/query"
	"ragvault/internal/scheduler"
)

// Submitter enqueues an ingestion job after the caller has already persisted the processing
// transition (spec.md §4.11).
type Submitter interface {
	Submit(ctx context.Context, job scheduler.Job) error
}

// HealthChecker reports database connectivity for /rag/health.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ProviderInfo names the configured provider per category, surfaced by /rag/health.
type ProviderInfo struct {
	Embedding  string
	Completion string
	VectorDB   string
}

// Server wires the three HTTP endpoints the core exposes.
type Server struct {
	Repo      ingestion.DocumentRepo
	Scheduler Submitter
	Query     *query.Pipeline
	Health    HealthChecker
	Providers ProviderInfo
	Version   string

	mux *http.ServeMux
}

// NewServer constructs a Server and registers its routes.
func NewServer(repo ingestion.DocumentRepo, sched Submitter, q *query.Pipeline, health HealthChecker, providers ProviderInfo, version string) *Server {
	s := &Server{
		Repo:      repo,
		Scheduler: sched,
		Query:     q,
		Health:    health,
		Providers: providers,
		Version:   version,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /rag/index", s.handleIndex)
	s.mux.HandleFunc("POST /rag/ask", s.handleAsk)
	s.mux.HandleFunc("GET /rag/health", s.handleHealth)
}
