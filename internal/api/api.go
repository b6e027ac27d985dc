package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/internal/pipeline"
	"github.com/sharma-sourabh3435/buildfarm/internal/protocol"
	"github.com/sharma-sourabh3435/buildfarm/internal/scheduler"
	"github.com/sharma-sourabh3435/buildfarm/internal/status"
	"github.com/sharma-sourabh3435/buildfarm/internal/storage"
	"github.com/sharma-sourabh3435/buildfarm/internal/transport"
	"github.com/sharma-sourabh3435/buildfarm/pkg/utils"
)

// maxPipelineSize bounds a submitted pipeline definition
const maxPipelineSize = 1 << 20

// Server represents the API server
type Server struct {
	scheduler *scheduler.Scheduler
	logger    *utils.Logger
	router    chi.Router
	server    *http.Server
}

// PipelineResponse is the detailed view of a pipeline run
type PipelineResponse struct {
	models.PipelineRun
	Jobs   []models.JobRun `json:"jobs"`
	Output []string        `json:"output,omitempty"`
}

// NewServer creates a new API server instance
func NewServer(sched *scheduler.Scheduler, addr string) *Server {
	s := &Server{
		scheduler: sched,
		logger:    utils.NewLogger("api", utils.INFO),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.health)

	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.submitPipeline)
		r.Get("/", s.listPipelines)
		r.Get("/{id}", s.getPipeline)
		r.Get("/{id}/jobs/{job}/output", s.getJobOutput)
		r.Post("/{id}/cancel", s.cancelPipeline)
	})

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.listAgents)
		r.Post("/", s.addAgent)
		r.Method(http.MethodGet, "/connect", transport.NewAcceptor(sched.Authenticate, s.acceptAgentConn))
		r.Put("/{name}", s.updateAgent)
		r.Delete("/{name}", s.removeAgent)
	})

	s.router = r
	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
		// Sessions are long lived; only the request header is bounded.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the API handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// StartTLS starts the API server with TLS
func (s *Server) StartTLS(certFile, keyFile string) error {
	s.logger.Info("Starting API server on %s (TLS)", s.server.Addr)
	return s.server.ListenAndServeTLS(certFile, keyFile)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.server.Shutdown(ctx)
}

// Middleware: CORS
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Middleware: Logging
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.logger.Debug("%s %s", r.Method, r.URL.Path)

		next.ServeHTTP(w, r)

		s.logger.Debug("Completed %s %s in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// Helper: JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response: %v", err)
	}
}

// Helper: Error response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// Handler: Health check
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if store := s.scheduler.Storage(); store != nil {
		if err := store.Ping(r.Context()); err != nil {
			s.errorResponse(w, http.StatusServiceUnavailable, "Database unavailable")
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"stats":  s.scheduler.GetStats(),
	})
}

// Handler: Submit pipeline (POST /pipelines, YAML body)
func (s *Server) submitPipeline(w http.ResponseWriter, r *http.Request) {
	jobs, err := pipeline.Parse(http.MaxBytesReader(w, r.Body, maxPipelineSize))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ps, err := s.scheduler.SubmitPipeline(r.Context(), jobs)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrCircularDependency),
		errors.Is(err, scheduler.ErrDuplicateJobID),
		errors.Is(err, scheduler.ErrUnknownJob),
		errors.Is(err, protocol.ErrInvalidArtifactPath):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, scheduler.ErrSchedulerStopped):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		s.logger.Error("Failed to submit pipeline: %v", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to submit pipeline")
		return
	}

	s.jsonResponse(w, http.StatusCreated, pipelineResponse(ps))
}

// Handler: List pipelines (GET /pipelines)
func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	if store := s.scheduler.Storage(); store != nil {
		runs, err := store.ListPipelineRuns(r.Context(), limit, offset)
		if err != nil {
			s.logger.Error("Failed to list pipelines: %v", err)
			s.errorResponse(w, http.StatusInternalServerError, "Failed to list pipelines")
			return
		}
		if runs == nil {
			runs = []*models.PipelineRun{}
		}
		s.jsonResponse(w, http.StatusOK, runs)
		return
	}

	// Newest first, as storage returns them
	pipelines := s.scheduler.Pipelines()
	runs := []models.PipelineRun{}
	for i := len(pipelines) - 1 - offset; i >= 0 && len(runs) < limit; i-- {
		runs = append(runs, pipelines[i].Record())
	}
	s.jsonResponse(w, http.StatusOK, runs)
}

// Handler: Get pipeline (GET /pipelines/{id})
func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if ps, ok := s.scheduler.Pipeline(id); ok {
		resp := pipelineResponse(ps)
		if store := s.scheduler.Storage(); store != nil {
			if run, err := store.GetPipelineRun(r.Context(), id); err == nil {
				resp.BuildNumber = run.BuildNumber
			}
		}
		s.jsonResponse(w, http.StatusOK, resp)
		return
	}

	store := s.scheduler.Storage()
	if store == nil {
		s.errorResponse(w, http.StatusNotFound, "Pipeline not found")
		return
	}

	run, err := store.GetPipelineRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "Pipeline not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to get pipeline %s: %v", id, err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to get pipeline")
		return
	}

	jobRuns, err := store.GetJobRuns(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to get jobs of pipeline %s: %v", id, err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to get pipeline")
		return
	}

	resp := PipelineResponse{PipelineRun: *run, Jobs: []models.JobRun{}}
	for _, jr := range jobRuns {
		resp.Jobs = append(resp.Jobs, *jr)
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// Handler: Job output (GET /pipelines/{id}/jobs/{job}/output)
func (s *Server) getJobOutput(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.scheduler.Pipeline(chi.URLParam(r, "id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "Pipeline not found")
		return
	}
	job, ok := ps.Job(chi.URLParam(r, "job"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "Job not found")
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"state":  job.State(),
		"output": job.Output(),
	})
}

// Handler: Cancel pipeline (POST /pipelines/{id}/cancel)
func (s *Server) cancelPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scheduler.CancelPipeline(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrUnknownPipeline) {
			s.errorResponse(w, http.StatusNotFound, "Pipeline not found")
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "Failed to cancel pipeline")
		return
	}

	s.jsonResponse(w, http.StatusAccepted, map[string]string{"message": "Pipeline cancelled"})
}

// Handler: List agents (GET /agents)
func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.scheduler.Agents())
}

// Handler: Add agent (POST /agents)
func (s *Server) addAgent(w http.ResponseWriter, r *http.Request) {
	var cfg models.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.scheduler.AddAgent(cfg); err != nil {
		if errors.Is(err, scheduler.ErrAgentExists) {
			s.errorResponse(w, http.StatusConflict, err.Error())
			return
		}
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg.Key = ""
	s.jsonResponse(w, http.StatusCreated, cfg)
}

// Handler: Update agent (PUT /agents/{name})
func (s *Server) updateAgent(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.scheduler.UpdateAgent(chi.URLParam(r, "name"), req.Workers); err != nil {
		if errors.Is(err, scheduler.ErrUnknownAgent) {
			s.errorResponse(w, http.StatusNotFound, "Agent not found")
			return
		}
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]string{"message": "Agent updated"})
}

// Handler: Remove agent (DELETE /agents/{name})
func (s *Server) removeAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.RemoveAgent(chi.URLParam(r, "name")); err != nil {
		if errors.Is(err, scheduler.ErrUnknownAgent) {
			s.errorResponse(w, http.StatusNotFound, "Agent not found")
			return
		}
		s.logger.Error("Failed to remove agent: %v", err)
		s.errorResponse(w, http.StatusInternalServerError, "Failed to remove agent")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) acceptAgentConn(name string, conn transport.Conn) {
	if err := s.scheduler.AcceptAgentConn(name, conn); err != nil {
		s.logger.Warn("Dropped connection from agent %s: %v", name, err)
	}
}

func pipelineResponse(ps *status.PipelineStatus) PipelineResponse {
	resp := PipelineResponse{
		PipelineRun: ps.Record(),
		Jobs:        []models.JobRun{},
		Output:      ps.Output(),
	}
	for _, job := range ps.Jobs() {
		resp.Jobs = append(resp.Jobs, job.Record())
	}
	return resp
}

func pagination(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}
