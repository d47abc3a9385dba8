package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	redisq "forgeos.build/internal/adapters/queue/redis"
	"forgeos.build/internal/core/domain"
	"forgeos.build/internal/core/ports"
	"forgeos.build/internal/core/services"
)

type Server struct {
	router     *chi.Mux
	scheduler  *services.Scheduler
	pool       *services.Pool
	targets    ports.TargetRepository
	requests   ports.RequestRepository
	store      ports.ArtifactStore
	deadletter *redisq.DeadLetterRecorder
	healthSvc  *services.HealthService
	hub        *Hub
}

type ServerDeps struct {
	Scheduler  *services.Scheduler
	Pool       *services.Pool
	Targets    ports.TargetRepository
	Requests   ports.RequestRepository
	Store      ports.ArtifactStore
	DeadLetter *redisq.DeadLetterRecorder
	Health     *services.HealthService
	Hub        *Hub
}

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		scheduler:  deps.Scheduler,
		pool:       deps.Pool,
		targets:    deps.Targets,
		requests:   deps.Requests,
		store:      deps.Store,
		deadletter: deps.DeadLetter,
		healthSvc:  deps.Health,
		hub:        deps.Hub,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		MetricsHandler().ServeHTTP(w, r)
	})

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)
	s.router.Get("/api/ws", s.handleWS)

	s.router.Get("/api/targets", s.handleListTargets)
	s.router.Get("/api/agents", s.handleListAgents)

	s.router.Route("/api/requests", func(r chi.Router) {
		r.Post("/", s.handleSubmitRequest)
		r.Get("/", s.handleListRequests)
		r.Get("/{id}", s.handleGetRequest)
		r.Post("/{id}/cancel", s.handleCancelRequest)
	})

	s.router.Route("/api/artifacts", func(r chi.Router) {
		r.Get("/latest", s.handleLatestArtifact)
		r.Get("/", s.handleGetArtifact)
	})

	s.router.Get("/api/deadletters", s.handleListDeadLetters)
}

func (s *Server) Run(addr string) error {
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

// SubmitRequest is the forced-trigger surface: a target, an optional
// caller-chosen request ID for idempotent retries, and the raw boolean
// parameter set.
type SubmitRequest struct {
	TargetID  string            `json:"target_id"`
	RequestID string            `json:"request_id,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON", "details": "`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	req.TargetID = strings.TrimSpace(req.TargetID)
	if req.TargetID == "" {
		http.Error(w, `{"error": "validation failed", "details": "target_id is required"}`, http.StatusBadRequest)
		return
	}

	build, err := s.scheduler.Submit(r.Context(), req.RequestID, req.TargetID, domain.OriginForced, req.Params)
	if err != nil {
		var verr *domain.ValidationError
		switch {
		case errors.As(err, &verr):
			http.Error(w, `{"error": "validation failed", "details": "`+verr.Error()+`"}`, http.StatusBadRequest)
		case errors.Is(err, domain.ErrUnknownTarget):
			http.Error(w, `{"error": "unknown target", "details": "`+err.Error()+`"}`, http.StatusNotFound)
		default:
			http.Error(w, `{"error": "submit failed", "details": "`+err.Error()+`"}`, http.StatusInternalServerError)
		}
		return
	}

	RecordRequestSubmitted(string(build.Origin))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(build)
}

type PaginatedRequests struct {
	Requests []*domain.BuildRequest `json:"requests"`
	Total    int64                  `json:"total"`
	Offset   int                    `json:"offset"`
	Limit    int                    `json:"limit"`
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	offset := 0
	limit := 20

	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil && val >= 0 {
			offset = val
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	requests, err := s.requests.List(r.Context(), offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total, err := s.requests.Count(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PaginatedRequests{
		Requests: requests,
		Total:    total,
		Offset:   offset,
		Limit:    limit,
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.scheduler.Status(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.scheduler.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancelling", "request_id": id})
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.targets.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(targets)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	instances := s.pool.Snapshot()
	if instances == nil {
		instances = []domain.AgentInstance{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(instances)
}

func (s *Server) handleLatestArtifact(w http.ResponseWriter, r *http.Request) {
	targetID := r.URL.Query().Get("target")
	kind := r.URL.Query().Get("kind")
	if targetID == "" || kind == "" {
		http.Error(w, `{"error": "validation failed", "details": "target and kind are required"}`, http.StatusBadRequest)
		return
	}

	artifact, err := s.store.Latest(r.Context(), targetID, domain.ArtifactKind(kind))
	if err != nil {
		if errors.Is(err, domain.ErrArtifactNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(artifact)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		http.Error(w, `{"error": "validation failed", "details": "uri is required"}`, http.StatusBadRequest)
		return
	}

	artifact, err := s.store.Get(r.Context(), uri)
	if err != nil {
		if errors.Is(err, domain.ErrArtifactNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(artifact)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadletter == nil {
		http.Error(w, `{"error": "dead letter record not configured"}`, http.StatusNotFound)
		return
	}

	var offset, limit int64 = 0, 20
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.ParseInt(o, 10, 64); err == nil && val >= 0 {
			offset = val
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.ParseInt(l, 10, 64); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	entries, err := s.deadletter.List(r.Context(), offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
