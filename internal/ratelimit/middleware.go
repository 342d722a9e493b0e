package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"docseal/pkg/platform/httputil"
	"docseal/pkg/platform/middleware/metadata"
	"docseal/pkg/requestcontext"
)

type exceededResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	RetryAfter       int    `json:"retry_after"`
}

// Middleware limits requests per client IP. When the store fails it falls
// back to the fallback store, or lets the request through when none is set.
type Middleware struct {
	store    Store
	fallback Store
	limit    int
	window   time.Duration
	class    string
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Middleware)

// WithFallback sets the store used while the primary store errors.
func WithFallback(s Store) Option {
	return func(m *Middleware) {
		m.fallback = s
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		m.logger = logger
	}
}

// WithClass namespaces keys so endpoint groups get separate windows.
func WithClass(class string) Option {
	return func(m *Middleware) {
		m.class = class
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Middleware) {
		m.now = now
	}
}

func New(store Store, limit int, window time.Duration, opts ...Option) *Middleware {
	m := &Middleware{
		store:  store,
		limit:  limit,
		window: window,
		class:  "verify",
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := requestcontext.ClientIP(ctx)
		if ip == "" {
			ip = metadata.ClientIPFromRequest(r)
		}
		key := m.class + ":" + ip

		res, err := m.store.Allow(ctx, key, m.limit, m.window)
		if err != nil && m.fallback != nil {
			m.logger.WarnContext(ctx, "rate limit store failed, using fallback",
				"request_id", requestcontext.RequestID(ctx),
				"error", err,
			)
			res, err = m.fallback.Allow(ctx, key, m.limit, m.window)
		}
		if err != nil {
			m.logger.ErrorContext(ctx, "rate limit check failed, allowing request",
				"request_id", requestcontext.RequestID(ctx),
				"error", err,
			)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			retry := res.RetryAfter(m.now())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httputil.WriteJSON(w, http.StatusTooManyRequests, &exceededResponse{
				Error:            "rate_limit_exceeded",
				ErrorDescription: "Too many verification requests. Please try again later.",
				RetryAfter:       retry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
