// Package api serves the tenant onboarding and receipt OCR HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ycm360/cafemx/internal/auth"
	"github.com/ycm360/cafemx/internal/metrics"
	"github.com/ycm360/cafemx/internal/model"
	"github.com/ycm360/cafemx/internal/ocr"
	"github.com/ycm360/cafemx/internal/store"
)

// Version is reported by the health and status endpoints.
const Version = "2.0.0"

// Tenants provisions tenants and checks access to them.
type Tenants interface {
	Provision(ctx context.Context, req model.ProvisionRequest) (*model.ProvisionResult, error)
	NeedsOnboarding(ctx context.Context, userID string) (bool, error)
	Authorize(ctx context.Context, userID, slug string, required model.Role) (*model.Tenant, *model.AccessGrant, error)
}

// Processor ingests one receipt.
type Processor interface {
	Process(ctx context.Context, req ocr.ProcessRequest) (*ocr.ProcessResult, error)
}

// Reports reads usage counters and tickets for reporting endpoints.
type Reports interface {
	GetUsage(ctx context.Context, tenantID string, month time.Time) ([]model.UsageCounter, error)
	ListTickets(ctx context.Context, schema string, filter store.TicketFilter) ([]model.Ticket, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the router needs. Metrics may be nil.
type Deps struct {
	Verifier       auth.Verifier
	Tenants        Tenants
	OCR            Processor
	Reports        Reports
	Database       Pinger
	Metrics        *metrics.Metrics
	Provider       string
	AllowedOrigins []string
}

type server struct {
	Deps
	now func() time.Time
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d, now: time.Now}
	return s.routes()
}

func (s *server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-Slug"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ocr/process", s.handleOCRStatus)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.Verifier, writeError))

			r.Post("/nueva-cafeteria", s.handleProvision)
			r.Get("/onboarding", s.handleOnboarding)
			r.Post("/ocr/process", s.handleOCRProcess)
			r.Get("/ocr/usage", s.handleUsage)
			r.Get("/ocr/export", s.handleExport)
		})
	})

	return r
}

// instrument records request counts and latency by route pattern.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.Metrics.ObserveHTTP(r.Method, route, strconv.Itoa(status), time.Since(start))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{"database": "healthy", "ocr": "healthy"}
	if s.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Database.Ping(ctx); err != nil {
			zap.L().Warn("api: database ping failed", zap.Error(err))
			services["database"] = "unhealthy"
		}
	}
	if s.Provider == "" || s.OCR == nil {
		services["ocr"] = "unhealthy"
	}

	status, code := "healthy", http.StatusOK
	for _, v := range services {
		if v != "healthy" {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"version":   Version,
		"services":  services,
	})
}

func (s *server) handleOCRStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "OCR API is running",
		"version":  Version,
		"provider": s.Provider,
		"status":   "healthy",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
