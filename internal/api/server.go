package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"prime-checker/internal/config"
	"prime-checker/internal/correlation"
	"prime-checker/internal/models"
	"prime-checker/internal/queue"
	"prime-checker/internal/ratelimit"
	"prime-checker/internal/telemetry"
)

// Gateway is the submission and read surface the API exposes.
type Gateway interface {
	Submit(ctx context.Context, raw string) (models.Check, error)
	Get(ctx context.Context, id string) (models.Check, error)
	List(ctx context.Context) ([]models.Check, error)
}

// Limiter throttles submissions per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Pinger reports dependency health for /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DeadLetterReader exposes dead-lettered tasks for operators.
type DeadLetterReader interface {
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
}

// Server wires HTTP handlers for the check API.
type Server struct {
	cfg       config.Config
	gateway   Gateway
	limiter   Limiter
	linker    correlation.Linker
	readiness map[string]Pinger
	dlq       DeadLetterReader
}

// Option customizes a Server.
type Option func(*Server)

// WithLimiter enables submission rate limiting.
func WithLimiter(l Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithReadiness adds a named dependency to /readyz.
func WithReadiness(name string, p Pinger) Option {
	return func(s *Server) { s.readiness[name] = p }
}

// WithDeadLetters exposes GET /admin/dlq.
func WithDeadLetters(r DeadLetterReader) Option {
	return func(s *Server) { s.dlq = r }
}

// New constructs the API server.
func New(cfg config.Config, gw Gateway, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		gateway:   gw,
		linker:    correlation.NewLinker(cfg.TraceViewerURL, cfg.MailViewerURL),
		readiness: make(map[string]Pinger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(traceContext)
	r.Use(accessLog)
	r.Use(recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/checks", func(r chi.Router) {
		r.With(s.rateLimit).Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
	})
	if s.dlq != nil {
		r.Get("/admin/dlq", s.handleDLQ)
	}
	return r
}

type submitRequest struct {
	Number json.RawMessage `json:"number"`
}

// numberText returns the submitted number verbatim. Both JSON strings and
// JSON number literals are accepted so large integers never pass through a
// float.
func (req submitRequest) numberText() (string, error) {
	raw := bytes.TrimSpace(req.Number)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	if raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9') {
		return string(raw), nil
	}
	return "", fmt.Errorf("number must be a string or integer literal")
}

type checkResponse struct {
	models.Check
	Links *correlation.Links `json:"links,omitempty"`
}

type listResponse struct {
	Items []checkResponse `json:"items"`
}

func (s *Server) present(c models.Check) checkResponse {
	resp := checkResponse{Check: c}
	if links := s.linker.Links(c); !links.Empty() {
		resp.Links = &links
	}
	return resp
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	var req submitRequest
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
		return
	}
	number, err := req.numberText()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_number", err.Error())
		return
	}

	check, err := s.gateway.Submit(r.Context(), number)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/checks/"+check.ID)
	writeJSON(w, http.StatusCreated, s.present(check))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := s.gateway.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := listResponse{Items: make([]checkResponse, 0, len(items))}
	for _, c := range items {
		resp.Items = append(resp.Items, s.present(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	check, err := s.gateway.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.present(check))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for name, p := range s.readiness {
		if err := p.Ping(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

// handleDLQ returns the oldest dead-lettered tasks.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	count := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 && n <= 1000 {
			count = n
		}
	}
	items, err := s.dlq.DLQPeek(r.Context(), count)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "dlq_unavailable", "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), "rl:submit:"+clientKey(r))
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("rate limiter unavailable")
			writeError(w, r, http.StatusInternalServerError, "rate_limit_error", "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(d.RetryAfter.Seconds())
			if d.RetryAfter%time.Second != 0 {
				secs++
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many submissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
