package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"launtelha/internal/entity"
	"launtelha/internal/planmachine"
	"launtelha/internal/provider"
	"launtelha/internal/shadowstate"

	"go.uber.org/zap"
)

var (
	// ErrUnknownService is returned by a Backend for ids it does not manage
	ErrUnknownService = errors.New("unknown service")
	// ErrReadOnly is returned by a Backend refusing writes in read-only mode
	ErrReadOnly = errors.New("read-only mode")
)

// ServiceView is everything the API shows about one managed service
type ServiceView struct {
	ServiceID string              `json:"service_id"`
	Prefix    string              `json:"prefix"`
	State     planmachine.State   `json:"state"`
	Status    entity.StatusView   `json:"status"`
	Selector  entity.SelectorView `json:"selector"`
}

// Backend is the set of managed services the server exposes
type Backend interface {
	Services() []ServiceView
	Service(id string) (ServiceView, bool)
	SelectPlan(ctx context.Context, serviceID, planID string) error
	Refresh(serviceID string) error
}

// Server provides HTTP API endpoints for the plan watcher
type Server struct {
	backend Backend
	shadow  *shadowstate.Tracker
	metrics http.Handler
	logger  *zap.Logger
	server  *http.Server

	selectTimeout time.Duration
}

// NewServer creates a new API server. shadow and metrics may be nil.
func NewServer(backend Backend, shadow *shadowstate.Tracker, metrics http.Handler, logger *zap.Logger, port int) *Server {
	s := &Server{
		backend:       backend,
		shadow:        shadow,
		metrics:       metrics,
		logger:        logger.Named("api"),
		selectTimeout: 2 * time.Minute,
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.selectTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routes without starting a listener
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/services", s.handleListServices)
	mux.HandleFunc("GET /api/services/{id}", s.handleGetService)
	mux.HandleFunc("POST /api/services/{id}/plan", s.handleSelectPlan)
	mux.HandleFunc("POST /api/services/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/shadow", s.handleShadow)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ErrorResponse is the body of every non-2xx JSON answer
type ErrorResponse struct {
	Error string `json:"error"`
}

// SelectPlanRequest is the body of POST /api/services/{id}/plan
type SelectPlanRequest struct {
	PlanID string `json:"plan_id"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	views := s.backend.Services()
	if views == nil {
		views = []ServiceView{}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, ok := s.backend.Service(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", ErrUnknownService, id))
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSelectPlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req SelectPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req.PlanID = strings.TrimSpace(req.PlanID)
	if req.PlanID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("plan_id is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.selectTimeout)
	defer cancel()

	logger := s.logger.With(zap.String("service_id", id), zap.String("plan_id", req.PlanID))
	if err := s.backend.SelectPlan(ctx, id, req.PlanID); err != nil {
		status := selectStatus(err)
		logger.Warn("Plan selection rejected", zap.Int("status", status), zap.Error(err))
		s.writeError(w, status, err)
		return
	}
	logger.Info("Plan selection accepted")

	view, _ := s.backend.Service(id)
	s.writeJSON(w, http.StatusOK, view)
}

// selectStatus maps a selection error onto an HTTP status
func selectStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrUnknownPlan):
		return http.StatusBadRequest
	case errors.Is(err, ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, provider.ErrConflict),
		errors.Is(err, planmachine.ErrDegraded),
		errors.Is(err, planmachine.ErrNotReady),
		errors.Is(err, planmachine.ErrRejected):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.backend.Refresh(id); err != nil {
		if errors.Is(err, ErrUnknownService) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

func (s *Server) handleShadow(w http.ResponseWriter, r *http.Request) {
	states := map[string]shadowstate.PluginShadowState{}
	if s.shadow != nil {
		states = s.shadow.GetAllPluginStates()
	}
	s.writeJSON(w, http.StatusOK, states)
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
	{Path: "/api/services", Method: "GET", Description: "Status, selector and machine state of every managed service"},
	{Path: "/api/services/{id}", Method: "GET", Description: "One managed service"},
	{Path: "/api/services/{id}/plan", Method: "POST", Description: "Request a plan change, body {\"plan_id\": \"...\"}"},
	{Path: "/api/services/{id}/refresh", Method: "POST", Description: "Poll the provider now"},
	{Path: "/api/shadow", Method: "GET", Description: "Recent plan decisions per service"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap lists the endpoints. Unknown paths land here too and get a
// 404 with the sitemap as the body.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if r.URL.Path != "/" {
		status = http.StatusNotFound
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.writeJSON(w, status, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "Launtel Plan API\n")
	fmt.Fprintf(w, "================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-28s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  curl http://localhost:8080/api/services | jq\n")
	fmt.Fprintf(w, "  curl -X POST -d '{\"plan_id\":\"2003\"}' http://localhost:8080/api/services/1234/plan\n\n")

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("path", r.URL.Path))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
