// Package httpapi exposes group order sessions over HTTP and a websocket
// stream.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
	"github.com/louisbranch/grouporder/internal/platform/logging"
	"github.com/louisbranch/grouporder/internal/platform/requestctx"
	"github.com/louisbranch/grouporder/internal/platform/timeouts"
	"github.com/louisbranch/grouporder/internal/services/grouporder/app"
	"github.com/louisbranch/grouporder/internal/services/grouporder/identity"
)

// Handler serves the session API.
type Handler struct {
	svc            *app.Service
	resolver       *identity.Resolver
	logger         *zap.Logger
	gatherer       prometheus.Gatherer
	requestTimeout time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) { h.logger = logging.OrNop(logger) }
}

// WithMetrics serves g at /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithRequestTimeout overrides the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.requestTimeout = d
		}
	}
}

// NewHandler builds the router.
func NewHandler(svc *app.Service, resolver *identity.Resolver, opts ...Option) http.Handler {
	h := &Handler{
		svc:            svc,
		resolver:       resolver,
		logger:         zap.NewNop(),
		requestTimeout: timeouts.Request,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h.routes()
}

func (h *Handler) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(streamCredentials, h.authenticate).Get("/sessions/{sessionID}/stream", h.stream)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)
			r.Use(h.deadline)

			r.Post("/sessions", h.createSession)
			r.Get("/codes/{code}", h.resolveCode)
			r.Post("/codes/{code}/join", h.joinSession)

			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", h.getSession)
				r.Get("/split", h.computeSplit)
				r.Post("/items", h.addItem)
				r.Patch("/items/{itemID}", h.updateItem)
				r.Delete("/items/{itemID}", h.removeItem)
				r.Post("/participants/{participantID}/leave", h.leaveSession)
				r.Post("/participants/{participantID}/touch", h.touchParticipant)
				r.Put("/participants/{participantID}/spending-limit", h.setSpendingLimit)
				r.Put("/payment-structure", h.setPaymentStructure)
				r.Put("/tip", h.setTip)
				r.Post("/submit", h.submit)
				r.Post("/cancel", h.cancel)
				r.With(h.requireRole(requestctx.RoleFulfilment)).Post("/complete", h.complete)
				r.Post("/payments", h.recordPayment)
			})
		})
	})
	return r
}

// authenticate resolves the caller and stores it in the request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := h.resolver.Resolve(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(requestctx.WithCaller(r.Context(), caller)))
	})
}

// requireRole rejects callers that do not carry role.
func (h *Handler) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, _ := requestctx.CallerFromContext(r.Context())
			if !caller.HasRole(role) {
				h.writeError(w, r, apperrors.New(apperrors.CodeForbidden, "caller lacks the "+role+" role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) deadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// streamCredentials lets browser websocket clients, which cannot set
// headers, pass credentials as query parameters.
func streamCredentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if token := q.Get("access_token"); token != "" && r.Header.Get("Authorization") == "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		if device := q.Get("device_id"); device != "" && r.Header.Get(identity.DeviceHeader) == "" {
			r.Header.Set(identity.DeviceHeader, device)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(began)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
