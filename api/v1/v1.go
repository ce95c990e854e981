// Package v1 implements the v1 JSON gateway over the post cache canister.
package v1

import (
	"context"
	"math/big"

	"github.com/go-chi/chi/v5"

	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/metrics"
	"github.com/yral-dapp/postcache/postcache"
	"github.com/yral-dapp/postcache/principal"
)

const moduleName = "api_v1"

// Service is the part of the canister client the handlers use.
// *postcache.Service implements it.
type Service interface {
	CanisterID() principal.Principal
	GetCycleBalance(ctx context.Context) (*big.Int, error)
	GetTopPosts(ctx context.Context, feed postcache.FeedKind, from, limit uint64, isNsfw *bool, status *postcache.PostStatus, filter *postcache.NsfwFilter) (postcache.TopPostsResult, error)
	GetWellKnownPrincipalValue(ctx context.Context, t postcache.KnownPrincipalType) (*principal.Principal, error)
	HTTPRequest(ctx context.Context, req postcache.HTTPRequest) (postcache.HTTPResponse, error)
	ReceiveTopPosts(ctx context.Context, feed postcache.FeedKind, items []postcache.PostScoreIndexItemV1) error
	UpdatePost(ctx context.Context, feed postcache.FeedKind, item postcache.PostScoreIndexItemV1) error
	RemoveAllFeedEntries(ctx context.Context) error
}

var _ Service = (*postcache.Service)(nil)

// Options configures the handler.
type Options struct {
	// AllowUpdates enables the routes that make update calls.
	AllowUpdates bool
	// MaxLimit caps the page size of post listings.
	MaxLimit uint64
}

// Handler is the v1 API handler.
type Handler struct {
	service Service
	opts    Options
	logger  *log.Logger
	metrics metrics.RequestMetrics
}

// NewHandler creates a new V1 API handler.
func NewHandler(service Service, opts Options, l *log.Logger) *Handler {
	return &Handler{
		service: service,
		opts:    opts,
		logger:  l.WithModule(moduleName),
		metrics: metrics.NewDefaultRequestMetrics(moduleName),
	}
}

// Name implements the APIHandler interface.
func (h *Handler) Name() string {
	return moduleName
}

// RegisterRoutes implements the APIHandler interface.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.GetStatus)

		r.Route("/feeds", func(r chi.Router) {
			r.Delete("/", h.RemoveAllFeedEntries)
			r.Route("/{feed}/posts", func(r chi.Router) {
				r.Get("/", h.ListPosts)
				r.Post("/", h.UpdatePost)
				r.Post("/batch", h.ReceiveTopPosts)
			})
		})

		r.Get("/principals/{type}", h.GetWellKnownPrincipal)

		r.HandleFunc("/canister-http/*", h.ProxyHTTPRequest)
	})
}
