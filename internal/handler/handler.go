package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/neurotutor/neurotutor/internal/api"
	appI18n "github.com/neurotutor/neurotutor/internal/i18n"
	"github.com/neurotutor/neurotutor/internal/metrics"
	"github.com/neurotutor/neurotutor/internal/model"
	"github.com/neurotutor/neurotutor/internal/session"
	"github.com/neurotutor/neurotutor/internal/store"
)

// StepEvaluator produces per-step feedback when the exercise service gives
// none. *llm.Client implements it.
type StepEvaluator interface {
	EvaluateSteps(ctx context.Context, ex model.Exercise, finalAnswer string, steps []string) ([]model.StepFeedback, error)
}

// Options holds the handler's collaborators. Steps and SealSecret are
// optional.
type Options struct {
	Store      *store.Store
	Client     *api.Client
	Steps      StepEvaluator
	Routes     session.RouteTable
	Metrics    *metrics.Metrics
	Config     model.Config
	SealSecret string
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	client  *api.Client
	steps   StepEvaluator
	routes  session.RouteTable
	metrics *metrics.Metrics
	config  model.Config
	secret  string

	mu       sync.Mutex
	guards   map[string]*session.Guard
	limiters map[string]*rate.Limiter
}

// New creates a new Handler.
func New(opts Options) (*Handler, error) {
	if opts.Store == nil || opts.Client == nil {
		return nil, errors.New("handler needs a store and a service client")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Routes.Routes == nil {
		opts.Routes = session.DefaultRoutes()
	}
	if opts.Config.LoginPerMinute <= 0 {
		opts.Config.LoginPerMinute = 10
	}
	return &Handler{
		store:    opts.Store,
		client:   opts.Client,
		steps:    opts.Steps,
		routes:   opts.Routes,
		metrics:  opts.Metrics,
		config:   opts.Config,
		secret:   opts.SealSecret,
		guards:   make(map[string]*session.Guard),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Handle("/metrics", h.metrics.Handler())
	r.Post("/api/answers/check", h.handleCheckAnswer)

	r.Group(func(r chi.Router) {
		r.Use(h.clientMiddleware)

		r.Get("/", h.handleRoot)
		r.Get("/login", h.handleLoginPage)
		r.Post("/login", h.handleLogin)
		r.Post("/logout", h.handleLogout)
		r.Get("/session", h.handleSession)

		for _, rule := range h.routes.Routes {
			r.Get(rule.Path, h.handlePage(rule))
		}

		r.Route("/api", func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Post("/exercises/{exerciseID}/submit", h.handleSubmit)
			r.Post("/diagnostic/start", h.handleDiagnosticStart)
			r.Post("/diagnostic/submit/{testID}", h.handleDiagnosticSubmit)
			r.Post("/profile/refresh", h.handleRefreshProfile)
		})
	})
}

// BasePathMiddleware injects the configured base path into the request context.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// path prepends the base path to an absolute application path.
func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

func (h *Handler) hasGuard(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.guards[clientID]
	return ok
}

// forget drops a client that never completed a login.
func (h *Handler) forget(clientID string) {
	h.mu.Lock()
	delete(h.guards, clientID)
	h.metrics.ActiveClients.Set(float64(len(h.guards)))
	h.mu.Unlock()
	if err := h.store.DeleteClient(clientID); err != nil {
		slog.Error("failed to drop client", "client_id", clientID, "error", err)
	}
}

// guardFor returns the guard of a client, creating it on first use.
func (h *Handler) guardFor(clientID string) *session.Guard {
	h.mu.Lock()
	defer h.mu.Unlock()
	if g, ok := h.guards[clientID]; ok {
		return g
	}
	var st session.Store = h.store.Namespace(clientID)
	if h.secret != "" {
		st = store.NewSealed(st, h.secret)
	}
	g := session.NewGuard(st, h.client)
	h.guards[clientID] = g
	h.metrics.ActiveClients.Set(float64(len(h.guards)))
	return g
}

// loginLimiter returns the login rate limiter of a remote address.
func (h *Handler) loginLimiter(ip string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[ip]
	if !ok {
		n := h.config.LoginPerMinute
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
		h.limiters[ip] = l
	}
	return l
}

// Purge drops clients idle for longer than ttl from the database and from
// memory, along with login limiters that have refilled. The store is
// queried without holding the handler lock.
func (h *Handler) Purge(ttl time.Duration) error {
	n, err := h.store.PurgeIdleClients(ttl)
	if err != nil {
		return err
	}

	h.mu.Lock()
	ids := make([]string, 0, len(h.guards))
	for id := range h.guards {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	var gone []string
	for _, id := range ids {
		seen, err := h.store.ClientLastSeen(id)
		if err != nil {
			return err
		}
		if seen.IsZero() {
			gone = append(gone, id)
		}
	}

	h.mu.Lock()
	for _, id := range gone {
		delete(h.guards, id)
	}
	for ip, l := range h.limiters {
		if l.Tokens() >= float64(l.Burst()) {
			delete(h.limiters, ip)
		}
	}
	h.metrics.ActiveClients.Set(float64(len(h.guards)))
	h.mu.Unlock()

	if n > 0 {
		slog.Info("purged idle clients", "count", n)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error    string `json:"error"`
	Redirect string `json:"redirect,omitempty"`
}

// writeServiceError reports a failed service call. An auth failure also ends
// the client's session.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	msg := appI18n.ErrorMessage(ctx, err)

	if g := guardFromContext(ctx); g != nil && g.ObserveError(err) {
		h.metrics.ServiceErrors.WithLabelValues("expired").Inc()
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: msg, Redirect: h.path(session.LoginPath)})
		return
	}

	var (
		netErr   *api.NetworkError
		apiErr   *api.APIError
		validErr validator.ValidationErrors
	)
	switch {
	case errors.As(err, &netErr):
		h.metrics.ServiceErrors.WithLabelValues("network").Inc()
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: msg})
	case errors.As(err, &validErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
	case errors.As(err, &apiErr):
		h.metrics.ServiceErrors.WithLabelValues("api").Inc()
		status := apiErr.Status
		if status < 400 || status >= 500 {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, errorResponse{Error: msg})
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msg})
	}
}
