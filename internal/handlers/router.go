package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/evolvecharge/funnel/internal/platform/httpx"
)

// RouteRegistrar mounts a handler group's routes.
type RouteRegistrar func(r chi.Router)

type middlewareChain = []func(http.Handler) http.Handler

type routerConfig struct {
	global   middlewareChain
	health   *HealthHandlers
	funnel   RouteRegistrar
	webhooks RouteRegistrar
	admin    RouteRegistrar
	adminMW  middlewareChain
}

// Option configures NewRouter.
type Option func(*routerConfig)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

// NewRouter serves /healthz and /readyz at the root and three groups under /api/v1: the buyer
// funnel, processor webhooks and the admin back office. Groups left unconfigured answer 501.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		global: middlewareChain{middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout)},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	use(r, cfg.global)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeRouteError(w, req, http.StatusNotFound, "route_not_found", "no route for "+req.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeRouteError(w, req, http.StatusMethodNotAllowed, "method_not_allowed", req.Method+" is not allowed on "+req.URL.Path)
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		if cfg.funnel != nil {
			api.Group(func(g chi.Router) { cfg.funnel(g) })
		}
		api.Route("/webhooks", mount("webhooks", cfg.webhooks, nil))
		api.Route("/admin", mount("admin", cfg.admin, cfg.adminMW))
	})
	return r
}

func mount(name string, reg RouteRegistrar, chain middlewareChain) func(chi.Router) {
	return func(g chi.Router) {
		use(g, chain)
		if reg != nil {
			reg(g)
			return
		}
		notImplemented := func(w http.ResponseWriter, req *http.Request) {
			writeRouteError(w, req, http.StatusNotImplemented, "not_implemented", name+" routes are not configured")
		}
		g.HandleFunc("/", notImplemented)
		g.HandleFunc("/*", notImplemented)
	}
}

func use(r chi.Router, chain middlewareChain) {
	for _, mw := range chain {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func writeRouteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

// WithMiddlewares appends router-wide middleware after the request id, real ip and timeout set.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.global = append(cfg.global, mw...) }
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

func WithFunnelRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.funnel = reg }
}

func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.webhooks = reg }
}

func WithAdminRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.admin = reg }
}

// WithAdminMiddlewares guards the /admin group, normally with Authenticator.RequireRoles.
func WithAdminMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.adminMW = append(cfg.adminMW, mw...) }
}
