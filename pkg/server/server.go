// Package server exposes the sandbox execution pipeline and the skill
// converters over HTTP.
//
// The server is a thin dispatch surface: it validates request shape at the
// boundary, hands validated requests to the coordinator, and encodes the
// structured results. Malformed requests are rejected with 400 before the
// core is entered; admitted requests always produce a well-formed
// ExecutionResult, whatever happens inside.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahaops/sandboxd/pkg/config"
	"github.com/ahaops/sandboxd/pkg/domain"
	"github.com/ahaops/sandboxd/pkg/metrics"
	"github.com/ahaops/sandboxd/pkg/sandbox"
	"github.com/ahaops/sandboxd/pkg/skill"
)

// maxRequestBytes caps decoded request bodies.
const maxRequestBytes = 16 << 20

// Server routes API requests to the coordinator and converters.
type Server struct {
	coordinator *sandbox.Coordinator
	mcp         *skill.Converter
	collector   *metrics.Collector
	cfg         config.ServerConfig
	log         *logrus.Entry

	httpServer *http.Server
}

// New creates the API server.
func New(cfg config.ServerConfig, metricsCfg config.MetricsConfig, coordinator *sandbox.Coordinator, collector *metrics.Collector, log *logrus.Entry) *Server {
	s := &Server{
		coordinator: coordinator,
		mcp:         skill.NewMCPConverter(),
		collector:   collector,
		cfg:         cfg,
		log:         log.WithField("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/convert/mcp", s.handleConvertMCP)
	mux.HandleFunc("POST /v1/skill/validate", s.handleValidateSkill)
	mux.HandleFunc("POST /v1/skill/package", s.handlePackageSkill)
	if metricsCfg.Enabled {
		mux.Handle("GET "+metricsCfg.Path, collector.PrometheusHandler())
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Address,
		Handler: s.logMiddleware(mux),
	}
	return s
}

// ListenAndServe blocks serving the API until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.WithField("address", s.cfg.Address).Info("API server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout.Duration)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "sandboxd",
	})
}

// limitsPayload distinguishes absent fields (defaults apply) from explicit
// out-of-range values (rejected), which a plain int cannot.
type limitsPayload struct {
	TimeoutS *int     `json:"timeout"`
	MemoryMB *int     `json:"memory_mb"`
	CPUs     *float64 `json:"cpus"`
}

type executePayload struct {
	Runtime    string             `json:"runtime"`
	Files      []domain.FileEntry `json:"files"`
	Entrypoint string             `json:"entrypoint"`
	EnvVars    map[string]string  `json:"env_vars"`
	Limits     *limitsPayload     `json:"limits"`
}

func (p *executePayload) toRequest() domain.ExecutionRequest {
	limits := domain.ResourceLimits{}.Normalize()
	if p.Limits != nil {
		if p.Limits.TimeoutS != nil {
			limits.TimeoutS = *p.Limits.TimeoutS
		}
		if p.Limits.MemoryMB != nil {
			limits.MemoryMB = *p.Limits.MemoryMB
		}
		if p.Limits.CPUs != nil {
			limits.CPUs = *p.Limits.CPUs
		}
	}
	return domain.ExecutionRequest{
		Runtime:    p.Runtime,
		Files:      p.Files,
		Entrypoint: p.Entrypoint,
		EnvVars:    p.EnvVars,
		Limits:     limits,
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var payload executePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	req := payload.toRequest()
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result := s.coordinator.Run(r.Context(), req)
	writeJSON(w, http.StatusOK, result)
}

type convertRequest struct {
	SourceType string          `json:"sourceType"`
	Source     json.RawMessage `json:"source"`
	Options    json.RawMessage `json:"options"`
}

type convertResponse struct {
	Success bool         `json:"success"`
	Skill   *skill.Skill `json:"skill,omitempty"`
	SkillMD string       `json:"skillMd,omitempty"`
	Errors  []string     `json:"errors,omitempty"`
}

func (s *Server) handleConvertMCP(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if req.SourceType != "" && req.SourceType != string(skill.SourceMCP) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "this endpoint only handles MCP conversions"})
		return
	}

	converted, err := s.mcp.Convert(req.Source)
	if err != nil {
		writeJSON(w, http.StatusOK, convertResponse{Success: false, Errors: []string{err.Error()}})
		return
	}

	writeJSON(w, http.StatusOK, convertResponse{
		Success: true,
		Skill:   converted,
		SkillMD: skill.Render(converted),
	})
}

type validateSkillRequest struct {
	SkillMD string `json:"skillMd"`
}

func (s *Server) handleValidateSkill(w http.ResponseWriter, r *http.Request) {
	var req validateSkillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	errs := skill.Validate(req.SkillMD)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  len(errs) == 0,
		"errors": errs,
	})
}

type packageSkillRequest struct {
	SkillMD   string `json:"skillMd"`
	SkillName string `json:"skillName"`
}

func (s *Server) handlePackageSkill(w http.ResponseWriter, r *http.Request) {
	var req packageSkillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.SkillName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "skillName is required"})
		return
	}

	files, installPath := skill.Package(req.SkillMD, req.SkillName)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"files":        files,
		"install_path": installPath,
	})
}

// =============================================================================
// Middleware and helpers
// =============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("Request handled")
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
