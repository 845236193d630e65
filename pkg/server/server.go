// Package server provides the HTTP API for transaction invocation.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/riskflow/riskflow/pkg/engine"
	"github.com/riskflow/riskflow/pkg/errors"
	"github.com/riskflow/riskflow/pkg/interfaces"
	"github.com/riskflow/riskflow/pkg/lifecycle"
)

// Server handles HTTP requests against the invocation engine.
type Server struct {
	engine   *engine.Engine
	registry *engine.Registry
	shutdown *lifecycle.ShutdownManager
	auth     interfaces.Authenticator
	log      *log.Logger
	mux      *http.ServeMux

	maxBodyBytes int64
}

// NewServer creates a new HTTP server.
func NewServer(eng *engine.Engine, registry *engine.Registry, shutdown *lifecycle.ShutdownManager,
	maxBodyBytes int64, logger *log.Logger) *Server {

	if logger == nil {
		logger = log.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	s := &Server{
		engine:       eng,
		registry:     registry,
		shutdown:     shutdown,
		log:          logger,
		mux:          http.NewServeMux(),
		maxBodyBytes: maxBodyBytes,
	}
	s.setupRoutes()
	return s
}

// SetAuthenticator installs request authentication. A nil authenticator
// leaves the API open.
func (s *Server) SetAuthenticator(a interfaces.Authenticator) {
	s.auth = a
}

// setupRoutes configures HTTP handlers.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/invoke/", s.handleInvoke)
	s.mux.HandleFunc("/api/models", s.handleModels)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

// handleInvoke runs one transaction: POST /api/invoke/{modelId}. The
// ?reprocess=1 query re-runs a prior transaction with archival side effects
// disabled.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if !s.authenticate(w, r) {
		return
	}
	if s.shutdown != nil && !s.shutdown.StartRequest() {
		s.writeError(w, http.StatusServiceUnavailable, "draining")
		return
	}
	if s.shutdown != nil {
		defer s.shutdown.EndRequest()
	}

	modelID, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/api/invoke/"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "model id must be an integer")
		return
	}
	reprocess := r.URL.Query().Get("reprocess") == "1"

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON document")
		return
	}

	_, out, err := s.engine.Invoke(r.Context(), modelID, doc, reprocess)
	if err != nil {
		switch {
		case errors.IsCode(err, errors.CodeQueueFull):
			s.writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.IsCode(err, errors.CodeModelNotFound):
			s.writeError(w, http.StatusNotFound, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// handleModels lists the current model snapshot: GET /api/models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if !s.authenticate(w, r) {
		return
	}

	type modelInfo struct {
		ID       int    `json:"id"`
		TenantID int    `json:"tenantId"`
		Name     string `json:"name"`
		Invokes  int64  `json:"invokes"`
		Matched  int64  `json:"gatewayMatched"`
	}
	models := s.registry.Models()
	out := make([]modelInfo, 0, len(models))
	for _, m := range models {
		out = append(out, modelInfo{
			ID:       m.ID,
			TenantID: m.TenantID,
			Name:     m.Name,
			Invokes:  m.InvokeCounter.Load(),
			Matched:  m.InvokeGatewayCounter.Load(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleHealth reports liveness: GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.shutdown != nil && !s.shutdown.IsHealthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate checks the request token against the configured
// authenticator. It writes a 401 and returns false on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) bool {
	if s.auth == nil {
		return true
	}
	token := r.Header.Get("X-API-Key")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if _, err := s.auth.Authenticate(r.Context(), token); err != nil {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe starts the server on host:port.
func (s *Server) ListenAndServe(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.log.Printf("riskflow listening on %s", addr)
	return http.ListenAndServe(addr, s)
}
