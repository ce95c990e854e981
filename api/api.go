// Package api serves the JSON gateway over the post cache canister.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apiCommon "github.com/yral-dapp/postcache/api/common"
	v1 "github.com/yral-dapp/postcache/api/v1"
	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/metrics"
)

const (
	moduleName = "api"

	defaultRequestTimeout = 30 * time.Second
)

// APIHandler is a handler that handles API requests.
type APIHandler interface {
	// RegisterRoutes registers routes for this API Handler
	RegisterRoutes(chi.Router)

	// Name returns the name of this API handler.
	Name() string
}

// Options configures the gateway.
type Options struct {
	AllowUpdates       bool
	MaxLimit           uint64
	RequestTimeout     time.Duration
	CORSAllowedOrigins []string
}

// GatewayAPI is the HTTP gateway.
type GatewayAPI struct {
	router   *chi.Mux
	handlers []APIHandler
	logger   *log.Logger
}

// NewGatewayAPI creates the gateway serving service.
func NewGatewayAPI(service v1.Service, opts Options, l *log.Logger) *GatewayAPI {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	logger := l.WithModule(moduleName)

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(metrics.NewDefaultRequestMetrics(moduleName), logger))
	r.Use(CorsMiddleware(opts.CORSAllowedOrigins, opts.AllowUpdates))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apiCommon.ReplyWithError(w, apiCommon.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write([]byte(`{"msg":"method not allowed"}` + "\n"))
	})

	handlers := []APIHandler{
		v1.NewHandler(service, v1.Options{AllowUpdates: opts.AllowUpdates, MaxLimit: opts.MaxLimit}, l),
	}
	for _, handler := range handlers {
		handler.RegisterRoutes(r)
	}

	return &GatewayAPI{
		router:   r,
		handlers: handlers,
		logger:   logger,
	}
}

// Router gets the router for this Handler.
func (a *GatewayAPI) Router() *chi.Mux {
	return a.router
}
