package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	apiCommon "github.com/yral-dapp/postcache/api/common"
	"github.com/yral-dapp/postcache/common"
	"github.com/yral-dapp/postcache/postcache"
)

const (
	maxPostBodyBytes  = 1 << 20
	maxBatchBodyBytes = 8 << 20
	maxProxyBodyBytes = 2 << 20
)

// GetStatus reports the canister id and its cycle balance.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	balance, err := h.service.GetCycleBalance(ctx)
	if err != nil {
		h.logAndReply(ctx, "failed to get cycle balance", w, err)
		h.metrics.RequestCounter(routePattern(r), "failure", "canister_error").Inc()
		return
	}
	h.reply(ctx, w, r, http.StatusOK, Status{
		CanisterID:   h.service.CanisterID().String(),
		CycleBalance: common.BigInt{Int: *balance},
		AllowUpdates: h.opts.AllowUpdates,
	})
}

// ListPosts returns a page of a feed.
func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	feed, err := feedParam(r)
	if err != nil {
		h.badRequest(ctx, w, r, err)
		return
	}
	p, err := apiCommon.NewPagination(r, h.opts.MaxLimit)
	if err != nil {
		h.badRequest(ctx, w, r, err)
		return
	}
	isNsfw, status, filter, err := filterParams(r)
	if err != nil {
		h.badRequest(ctx, w, r, err)
		return
	}

	res, err := h.service.GetTopPosts(ctx, feed, p.From, p.Limit, isNsfw, status, filter)
	if err == nil {
		var posts []postcache.PostScoreIndexItemV1
		if posts, err = res.Unwrap(); err == nil {
			list := PostList{Feed: feed, From: p.From, Posts: posts}
			// There is no next page past the last representable offset.
			if uint64(len(posts)) == p.Limit && p.From <= math.MaxUint64-p.Limit {
				list.NextFrom = common.Ptr(p.From + p.Limit)
			}
			h.reply(ctx, w, r, http.StatusOK, list)
			return
		}
	}
	h.logAndReply(ctx, "failed to list posts", w, err)
	h.metrics.RequestCounter(routePattern(r), "failure", "canister_error").Inc()
}

// GetWellKnownPrincipal returns the principal the canister holds for a type.
func (h *Handler) GetWellKnownPrincipal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	t, err := postcache.ParseKnownPrincipalType(chi.URLParam(r, "type"))
	if err != nil {
		h.badRequest(ctx, w, r, err)
		return
	}
	p, err := h.service.GetWellKnownPrincipalValue(ctx, t)
	if err != nil {
		h.logAndReply(ctx, "failed to get principal", w, err)
		h.metrics.RequestCounter(routePattern(r), "failure", "canister_error").Inc()
		return
	}
	if p == nil {
		apiCommon.ReplyWithError(w, fmt.Errorf("%w: no principal for %s", apiCommon.ErrNotFound, t))
		h.metrics.RequestCounter(routePattern(r), "failure", "not_found").Inc()
		return
	}
	h.reply(ctx, w, r, http.StatusOK, WellKnownPrincipal{Type: t, Principal: p.String()})
}

// UpdatePost updates a single post of a feed.
func (h *Handler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.updatesAllowed(w, r) {
		return
	}

	feed, err := feedParam(r)
	if err != nil {
		h.badRequest(ctx, w, r, err)
		return
	}
	var item postcache.PostScoreIndexItemV1
	if err = decodeBody(w, r, maxPostBodyBytes, &item); err == nil {
		err = normalizePost(&item)
	}
	if err != nil {
		h.badRequest(ctx, w, r, err)
		return
	}

	if err := h.service.UpdatePost(ctx, feed, item); err != nil {
		h.logAndReply(ctx, "failed to update post", w, err)
		h.metrics.RequestCounter(routePattern(r), "failure", "canister_error").Inc()
		return
	}
	h.noContent(w, r)
}

// ReceiveTopPosts pushes a batch of top posts into a feed.
func (h *Handler) ReceiveTopPosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.updatesAllowed(w, r) {
		return
	}

	feed, err := feedParam(r)
	if err != nil {
		h.badRequest(ctx, w, r, err)
		return
	}
	var items []postcache.PostScoreIndexItemV1
	if err := decodeBody(w, r, maxBatchBodyBytes, &items); err != nil {
		h.badRequest(ctx, w, r, err)
		return
	}
	for i := range items {
		if err := normalizePost(&items[i]); err != nil {
			h.badRequest(ctx, w, r, fmt.Errorf("post %d: %w", i, err))
			return
		}
	}

	if err := h.service.ReceiveTopPosts(ctx, feed, items); err != nil {
		h.logAndReply(ctx, "failed to receive top posts", w, err)
		h.metrics.RequestCounter(routePattern(r), "failure", "canister_error").Inc()
		return
	}
	h.noContent(w, r)
}

// RemoveAllFeedEntries empties every feed.
func (h *Handler) RemoveAllFeedEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.updatesAllowed(w, r) {
		return
	}

	if err := h.service.RemoveAllFeedEntries(ctx); err != nil {
		h.logAndReply(ctx, "failed to remove feed entries", w, err)
		h.metrics.RequestCounter(routePattern(r), "failure", "canister_error").Inc()
		return
	}
	h.noContent(w, r)
}

// ProxyHTTPRequest forwards the request to the canister's http_request
// query and relays its response.
func (h *Handler) ProxyHTTPRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBodyBytes))
	if err != nil {
		h.badRequest(ctx, w, r, err)
		return
	}
	url := "/" + chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	headers := []postcache.HeaderField{}
	for name, values := range r.Header {
		for _, v := range values {
			headers = append(headers, postcache.HeaderField{Name: name, Value: v})
		}
	}
	sort.SliceStable(headers, func(i, j int) bool { return headers[i].Name < headers[j].Name })

	resp, err := h.service.HTTPRequest(ctx, postcache.HTTPRequest{
		URL:     url,
		Method:  r.Method,
		Body:    body,
		Headers: headers,
	})
	if err != nil {
		h.logAndReply(ctx, "failed to forward http request", w, err)
		h.metrics.RequestCounter(routePattern(r), "failure", "canister_error").Inc()
		return
	}
	if resp.StatusCode < 100 || resp.StatusCode > 999 {
		apiCommon.ReplyWithError(w, fmt.Errorf("canister returned invalid status code %d", resp.StatusCode))
		h.metrics.RequestCounter(routePattern(r), "failure", "canister_error").Inc()
		return
	}

	for _, hdr := range resp.Headers {
		if http.CanonicalHeaderKey(hdr.Name) == "Content-Length" {
			continue
		}
		w.Header().Add(hdr.Name, hdr.Value)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(int(resp.StatusCode))
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Error("failed to write response",
			"request_id", ctx.Value(common.RequestIDContextKey),
			"error", err,
		)
		h.metrics.RequestCounter(routePattern(r), "failure", "http_error").Inc()
		return
	}
	h.metrics.RequestCounter(routePattern(r), "success").Inc()
}

func (h *Handler) updatesAllowed(w http.ResponseWriter, r *http.Request) bool {
	if h.opts.AllowUpdates {
		return true
	}
	apiCommon.ReplyWithError(w, apiCommon.ErrUpdatesDisabled)
	h.metrics.RequestCounter(routePattern(r), "failure", "updates_disabled").Inc()
	return false
}

func (h *Handler) reply(ctx context.Context, w http.ResponseWriter, r *http.Request, code int, v any) {
	resp, err := json.Marshal(v)
	if err != nil {
		h.logAndReply(ctx, "failed to marshal response", w, err)
		h.metrics.RequestCounter(routePattern(r), "failure", "serde_error").Inc()
		return
	}

	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(resp); err != nil {
		h.logger.Error("failed to write response",
			"request_id", ctx.Value(common.RequestIDContextKey),
			"error", err,
		)
		h.metrics.RequestCounter(routePattern(r), "failure", "http_error").Inc()
	} else {
		h.metrics.RequestCounter(routePattern(r), "success").Inc()
	}
}

func (h *Handler) noContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
	h.metrics.RequestCounter(routePattern(r), "success").Inc()
}

func (h *Handler) badRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Debug("bad request",
		"request_id", ctx.Value(common.RequestIDContextKey),
		"error", err,
	)
	apiCommon.ReplyWithError(w, fmt.Errorf("%w: %s", apiCommon.ErrBadRequest, err))
	h.metrics.RequestCounter(routePattern(r), "failure", "bad_request").Inc()
}

func (h *Handler) logAndReply(ctx context.Context, msg string, w http.ResponseWriter, err error) {
	h.logger.Error(msg,
		"request_id", ctx.Value(common.RequestIDContextKey),
		"error", err,
	)
	apiCommon.ReplyWithError(w, err)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return "unknown"
}

func feedParam(r *http.Request) (postcache.FeedKind, error) {
	return postcache.ParseFeedKind(chi.URLParam(r, "feed"))
}

func filterParams(r *http.Request) (isNsfw *bool, status *postcache.PostStatus, filter *postcache.NsfwFilter, err error) {
	values := r.URL.Query()
	if v := values.Get("is_nsfw"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("is_nsfw: %w", err)
		}
		isNsfw = &b
	}
	if v := values.Get("status"); v != "" {
		s, err := postcache.ParsePostStatus(v)
		if err != nil {
			return nil, nil, nil, err
		}
		status = &s
	}
	if v := values.Get("nsfw_filter"); v != "" {
		f, err := postcache.ParseNsfwFilter(v)
		if err != nil {
			return nil, nil, nil, err
		}
		filter = &f
	}
	return isNsfw, status, filter, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed body: %w", err)
	}
	return nil
}

// normalizePost validates the post status and brings it to its wire label.
func normalizePost(item *postcache.PostScoreIndexItemV1) error {
	status, err := postcache.ParsePostStatus(string(item.Status))
	if err != nil {
		return err
	}
	item.Status = status
	return nil
}
