package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/collection"
	"github.com/JakeFAU/novelfetch/internal/metrics"
	"github.com/JakeFAU/novelfetch/internal/progress/sinks"
	"github.com/JakeFAU/novelfetch/internal/scheduler"
)

// Scheduler is the control surface the API drives.
type Scheduler interface {
	Add(params book.JobParameters) (string, error)
	List() []book.Job
	Get(id string) (book.Job, bool)
	Start(id string) error
	Pause(id string)
	Cancel(id string)
	StartAll()
	PauseAll()
	CancelAll()
	SetConcurrency(n int) error
	Concurrency() int
	ClearFinished() int
	Challenge() (scheduler.Challenge, bool)
	ResolveChallenge()
}

// Expander turns a listing selection into jobs.
type Expander interface {
	Expand(ctx context.Context, req collection.Request) (collection.Expansion, error)
}

// EventFeed exposes recent scheduler notifications.
type EventFeed interface {
	Since(after uint64) []sinks.Record
	Last() uint64
}

// Deps bundles the collaborators behind the routes. Expander and Feed are
// optional; their routes answer 503 when absent.
type Deps struct {
	Scheduler Scheduler
	Expander  Expander
	Feed      EventFeed
	// Defaults supplies parameters for fields a request omits.
	Defaults func(sourceURL string) book.JobParameters
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the scheduler.
type Server struct {
	router   chi.Router
	sched    Scheduler
	expander Expander
	defaults func(string) book.JobParameters
	logger   *zap.Logger
}

const requestTimeout = 30 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := deps.Defaults
	if defaults == nil {
		defaults = func(sourceURL string) book.JobParameters {
			return book.JobParameters{SourceURL: sourceURL, OutputDir: ".", Format: book.FormatText, Delay: book.AutoDelay}
		}
	}
	s := &Server{
		sched:    deps.Scheduler,
		expander: deps.Expander,
		defaults: defaults,
		logger:   logger.Named("api"),
	}
	progressHandler := NewProgressHandler(deps.Feed, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.addJob)
			r.Get("/", s.listJobs)
			r.Delete("/finished", s.clearFinished)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/start", s.startJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Route("/queue", func(r chi.Router) {
			r.Post("/start-all", s.startAll)
			r.Post("/pause-all", s.pauseAll)
			r.Post("/cancel-all", s.cancelAll)
			r.Get("/concurrency", s.getConcurrency)
			r.Put("/concurrency", s.setConcurrency)
		})
		r.Get("/challenge", s.getChallenge)
		r.Post("/challenge/resolve", s.resolveChallenge)
		r.Post("/batches", s.expandBatch)
		r.Get("/events", progressHandler.ListEvents)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
