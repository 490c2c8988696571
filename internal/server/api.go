package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/immogest/internal/config"
	"github.com/l0p7/immogest/internal/metrics"
	"github.com/l0p7/immogest/internal/policy"
	"github.com/l0p7/immogest/internal/store"
)

// APIOptions carries the collaborators of the resource API.
type APIOptions struct {
	Backend           store.Backend
	Policies          *policy.Registry
	Tokens            map[string]config.SubjectConfig
	Metrics           *metrics.Recorder
	CorrelationHeader string
	MaxUploadBytes    int64
	Now               func() time.Time
}

// API serves the CRUD resources, the GED endpoints and the operational routes.
type API struct {
	logger            *slog.Logger
	backend           store.Backend
	policies          *policy.Registry
	subjects          map[string]policy.Subject
	metrics           *metrics.Recorder
	correlationHeader string
	maxUploadBytes    int64
	now               func() time.Time

	// writeMu serializes read-modify-write sequences that touch several records.
	writeMu   sync.Mutex
	targets   map[string]attachTarget
	documents *store.Repository[domain.Document, *domain.Document]
}

type subjectContextKey struct{}
type loggerContextKey struct{}

// NewAPI validates the options and prepares the API.
func NewAPI(logger *slog.Logger, opts APIOptions) (*API, error) {
	if opts.Backend == nil {
		return nil, errors.New("server: store backend required")
	}
	if opts.Policies == nil {
		return nil, errors.New("server: policy registry required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = config.DefaultConfig().Server.Uploads.MaxBytes
	}
	subjects := make(map[string]policy.Subject, len(opts.Tokens))
	for token, subject := range opts.Tokens {
		subjects[token] = policy.Subject{
			ID:    subject.ID,
			Name:  subject.Name,
			Roles: append([]string(nil), subject.Roles...),
		}
	}
	return &API{
		logger:            logger.With(slog.String("agent", "api")),
		backend:           opts.Backend,
		policies:          opts.Policies,
		subjects:          subjects,
		metrics:           opts.Metrics,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		maxUploadBytes:    opts.MaxUploadBytes,
		now:               opts.Now,
		targets:           make(map[string]attachTarget),
	}, nil
}

// Policies exposes the registry so policy reloads can be wired in.
func (a *API) Policies() *policy.Registry { return a.policies }

func (a *API) serveHealth(w http.ResponseWriter, r *http.Request) {
	records, err := a.backend.Size(r.Context())
	status := "ok"
	if err != nil {
		a.logger.Error("store size query failed", slog.Any("error", err))
		status = "degraded"
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"records":      records,
		"policySource": a.policies.Source(),
		"observedAt":   a.now().UTC(),
	})
}

// authenticate resolves the bearer token into a subject. Operational routes are public.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			a.writeError(w, r, errUnauthorized)
			return
		}
		subject, ok := a.subjects[strings.TrimSpace(token)]
		if !ok {
			a.writeError(w, r, errUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), subjectContextKey{}, subject)
		ctx = context.WithValue(ctx, loggerContextKey{}, a.requestLogger(r).With(slog.String("subject", subject.ID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// instrument assigns the correlation id, logs the request and records metrics.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		correlationID := a.correlationID(r)
		if a.correlationHeader != "" {
			w.Header().Set(a.correlationHeader, correlationID)
		}
		logger := a.logger.With(
			slog.String("correlation_id", correlationID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		r = r.WithContext(context.WithValue(r.Context(), loggerContextKey{}, logger))

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		elapsed := time.Since(start)
		a.metrics.ObserveRequest(resourceLabel(r.URL.Path), r.Method, rec.status, elapsed)
		logger.Debug("request served",
			slog.Int("status", rec.status),
			slog.Duration("latency", elapsed),
		)
	})
}

func (a *API) correlationID(r *http.Request) string {
	if a.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(a.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}

func (a *API) requestLogger(r *http.Request) *slog.Logger {
	if r != nil {
		if logger, ok := r.Context().Value(loggerContextKey{}).(*slog.Logger); ok {
			return logger
		}
	}
	return a.logger
}

func subjectFrom(ctx context.Context) policy.Subject {
	subject, _ := ctx.Value(subjectContextKey{}).(policy.Subject)
	return subject
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}
