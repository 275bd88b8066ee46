package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/returnloop/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

const (
	defaultAPIPrefix = "/api/v1"
	defaultTimeout   = 60 * time.Second
)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	public   RouteRegistrar
	orders   RouteRegistrar
	driver   RouteRegistrar
	webhooks RouteRegistrar
	internal RouteRegistrar

	webhookMiddlewares  []func(http.Handler) http.Handler
	internalMiddlewares []func(http.Handler) http.Handler
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// WithMiddlewares appends additional global middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithPublicRoutes sets the registrar for unauthenticated endpoints.
func WithPublicRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.public = reg }
}

// WithOrderRoutes sets the registrar for customer order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.orders = reg }
}

// WithDriverRoutes sets the registrar for driver endpoints.
func WithDriverRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.driver = reg }
}

// WithWebhookRoutes sets the registrar for payment webhook endpoints.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.webhooks = reg }
}

// WithWebhookMiddlewares adds middleware scoped to the /webhooks group.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.webhookMiddlewares = append(cfg.webhookMiddlewares, mw...) }
}

// WithInternalRoutes sets the registrar for ops endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.internal = reg }
}

// WithInternalMiddlewares adds middleware scoped to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.internalMiddlewares = append(cfg.internalMiddlewares, mw...) }
}

// NewRouter builds the chi router: health probes at the root, and the five
// API groups (public, orders, driver, webhooks, internal) under the
// versioned prefix. Groups without a registrar answer 501 so a partly wired
// deployment fails loudly instead of 404ing.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w,
			httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w,
			httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	groups := []struct {
		path      string
		name      string
		registrar RouteRegistrar
		mw        []func(http.Handler) http.Handler
	}{
		{path: "/public", name: "public", registrar: cfg.public},
		{path: "/orders", name: "orders", registrar: cfg.orders},
		{path: "/driver", name: "driver", registrar: cfg.driver},
		{path: "/webhooks", name: "webhooks", registrar: cfg.webhooks, mw: cfg.webhookMiddlewares},
		{path: "/internal", name: "internal", registrar: cfg.internal, mw: cfg.internalMiddlewares},
	}

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, g := range groups {
			g := g
			api.Route(g.path, func(group chi.Router) {
				for _, mw := range g.mw {
					if mw != nil {
						group.Use(mw)
					}
				}
				if g.registrar != nil {
					g.registrar(group)
					return
				}
				mountNotImplemented(group, g.name)
			})
		}
	})

	return r
}

func mountNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w,
			httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
