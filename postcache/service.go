// Package postcache is a typed client for the post cache canister, which
// aggregates the top posts of every publishing canister into a home feed and
// a hot-or-not feed.
//
// Each Service method encodes its arguments as Candid, performs a query or an
// update call through an Agent and decodes the reply. The client holds no
// state and never retries.
package postcache

import (
	"context"
	"fmt"
	"math/big"

	"github.com/yral-dapp/postcache/candid"
	"github.com/yral-dapp/postcache/principal"
)

// Agent performs calls against canisters. Query calls are answered by a
// single replica; update calls go through consensus and return once the
// reply is certified.
type Agent interface {
	Query(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error)
	Update(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error)
}

// Canister method names.
const (
	MethodGetCycleBalance                                   = "get_cycle_balance"
	MethodGetTopPostsForHomeFeedCursor                      = "get_top_posts_aggregated_from_canisters_on_this_network_for_home_feed_cursor"
	MethodGetTopPostsForHotOrNotFeedCursor                  = "get_top_posts_aggregated_from_canisters_on_this_network_for_hot_or_not_feed_cursor"
	MethodGetWellKnownPrincipalValue                        = "get_well_known_principal_value"
	MethodHTTPRequest                                       = "http_request"
	MethodReceiveTopHomeFeedPostsFromPublishingCanister     = "receive_top_home_feed_posts_from_publishing_canister"
	MethodReceiveTopHotOrNotFeedPostsFromPublishingCanister = "receive_top_hot_or_not_feed_posts_from_publishing_canister"
	MethodRemoveAllFeedEntries                              = "remove_all_feed_entries"
	MethodUpdatePostHomeFeed                                = "update_post_home_feed"
	MethodUpdatePostHotOrNotFeed                            = "update_post_hot_or_not_feed"
)

// CallKind is the way a method is invoked.
type CallKind string

const (
	KindQuery  CallKind = "query"
	KindUpdate CallKind = "update"
)

// Methods maps every canister method to its call kind.
var Methods = map[string]CallKind{
	MethodGetCycleBalance:                                   KindQuery,
	MethodGetTopPostsForHomeFeedCursor:                      KindQuery,
	MethodGetTopPostsForHotOrNotFeedCursor:                  KindQuery,
	MethodGetWellKnownPrincipalValue:                        KindQuery,
	MethodHTTPRequest:                                       KindQuery,
	MethodReceiveTopHomeFeedPostsFromPublishingCanister:     KindUpdate,
	MethodReceiveTopHotOrNotFeedPostsFromPublishingCanister: KindUpdate,
	MethodRemoveAllFeedEntries:                              KindUpdate,
	MethodUpdatePostHomeFeed:                                KindUpdate,
	MethodUpdatePostHotOrNotFeed:                            KindUpdate,
}

// Service is a client of one post cache canister.
type Service struct {
	canisterID principal.Principal
	agent      Agent
}

// NewService returns a client of the canister canisterID that calls through agent.
func NewService(canisterID principal.Principal, agent Agent) *Service {
	return &Service{canisterID: canisterID, agent: agent}
}

// CanisterID returns the principal of the canister the client talks to.
func (s *Service) CanisterID() principal.Principal {
	return s.canisterID
}

// GetCycleBalance returns the canister's cycle balance.
func (s *Service) GetCycleBalance(ctx context.Context) (*big.Int, error) {
	v, err := s.call(ctx, KindQuery, MethodGetCycleBalance, nil, nil, true)
	if err != nil {
		return nil, err
	}
	n, err := candid.AsNat(v)
	if err != nil {
		return nil, decodeError(MethodGetCycleBalance, err)
	}
	return n, nil
}

// GetTopPostsForHomeFeedCursor returns up to limit home feed posts starting
// at index from. Nil filters are sent as absent.
func (s *Service) GetTopPostsForHomeFeedCursor(ctx context.Context, from, limit uint64, isNsfw *bool, status *PostStatus, filter *NsfwFilter) (TopPostsResult, error) {
	return s.getTopPosts(ctx, MethodGetTopPostsForHomeFeedCursor, from, limit, isNsfw, status, filter)
}

// GetTopPostsForHotOrNotFeedCursor returns up to limit hot-or-not feed posts
// starting at index from. Nil filters are sent as absent.
func (s *Service) GetTopPostsForHotOrNotFeedCursor(ctx context.Context, from, limit uint64, isNsfw *bool, status *PostStatus, filter *NsfwFilter) (TopPostsResult, error) {
	return s.getTopPosts(ctx, MethodGetTopPostsForHotOrNotFeedCursor, from, limit, isNsfw, status, filter)
}

func (s *Service) getTopPosts(ctx context.Context, method string, from, limit uint64, isNsfw *bool, status *PostStatus, filter *NsfwFilter) (TopPostsResult, error) {
	types := []candid.Type{candid.Nat64, candid.Nat64, candid.Opt(candid.Bool), candid.Opt(postStatusType), candid.Opt(nsfwFilterType)}
	args := []any{
		from,
		limit,
		optValue(isNsfw, func(b bool) any { return b }),
		optValue(status, func(st PostStatus) any { return enumValue(st) }),
		optValue(filter, func(f NsfwFilter) any { return enumValue(f) }),
	}
	v, err := s.call(ctx, KindQuery, method, types, args, true)
	if err != nil {
		return TopPostsResult{}, err
	}
	res, err := topPostsResultFromCandid(v)
	if err != nil {
		return TopPostsResult{}, decodeError(method, err)
	}
	return res, nil
}

// GetWellKnownPrincipalValue returns the principal registered for t, or nil
// if there is none.
func (s *Service) GetWellKnownPrincipalValue(ctx context.Context, t KnownPrincipalType) (*principal.Principal, error) {
	v, err := s.call(ctx, KindQuery, MethodGetWellKnownPrincipalValue, []candid.Type{knownPrincipalTypeType}, []any{enumValue(t)}, true)
	if err != nil {
		return nil, err
	}
	return optOf(candid.AsOption(v), candid.AsPrincipal), nil
}

// HTTPRequest forwards an HTTP request to the canister.
func (s *Service) HTTPRequest(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	v, err := s.call(ctx, KindQuery, MethodHTTPRequest, []candid.Type{httpRequestType}, []any{req.candidValue()}, true)
	if err != nil {
		return HTTPResponse{}, err
	}
	resp, err := httpResponseFromCandid(v)
	if err != nil {
		return HTTPResponse{}, decodeError(MethodHTTPRequest, err)
	}
	return resp, nil
}

// ReceiveTopHomeFeedPostsFromPublishingCanister submits posts to the home feed.
func (s *Service) ReceiveTopHomeFeedPostsFromPublishingCanister(ctx context.Context, items []PostScoreIndexItemV1) error {
	_, err := s.call(ctx, KindUpdate, MethodReceiveTopHomeFeedPostsFromPublishingCanister,
		[]candid.Type{postScoreIndexItemsType}, []any{postScoreIndexItemsValue(items)}, false)
	return err
}

// ReceiveTopHotOrNotFeedPostsFromPublishingCanister submits posts to the
// hot-or-not feed.
func (s *Service) ReceiveTopHotOrNotFeedPostsFromPublishingCanister(ctx context.Context, items []PostScoreIndexItemV1) error {
	_, err := s.call(ctx, KindUpdate, MethodReceiveTopHotOrNotFeedPostsFromPublishingCanister,
		[]candid.Type{postScoreIndexItemsType}, []any{postScoreIndexItemsValue(items)}, false)
	return err
}

// RemoveAllFeedEntries empties both feeds.
func (s *Service) RemoveAllFeedEntries(ctx context.Context) error {
	_, err := s.call(ctx, KindUpdate, MethodRemoveAllFeedEntries, nil, nil, false)
	return err
}

// UpdatePostHomeFeed inserts or rescores a single home feed post.
func (s *Service) UpdatePostHomeFeed(ctx context.Context, item PostScoreIndexItemV1) error {
	_, err := s.call(ctx, KindUpdate, MethodUpdatePostHomeFeed,
		[]candid.Type{postScoreIndexItemType}, []any{item.candidValue()}, false)
	return err
}

// UpdatePostHotOrNotFeed inserts or rescores a single hot-or-not feed post.
func (s *Service) UpdatePostHotOrNotFeed(ctx context.Context, item PostScoreIndexItemV1) error {
	_, err := s.call(ctx, KindUpdate, MethodUpdatePostHotOrNotFeed,
		[]candid.Type{postScoreIndexItemType}, []any{item.candidValue()}, false)
	return err
}

// call encodes the arguments, invokes method and decodes the reply. When
// wantResult is set the first reply value is returned; otherwise the reply
// must merely be well-formed.
func (s *Service) call(ctx context.Context, kind CallKind, method string, types []candid.Type, args []any, wantResult bool) (any, error) {
	arg, err := candid.Marshal(types, args)
	if err != nil {
		return nil, fmt.Errorf("%s: encode arguments: %w", method, err)
	}

	var reply []byte
	switch kind {
	case KindQuery:
		reply, err = s.agent.Query(ctx, s.canisterID, method, arg)
	default:
		reply, err = s.agent.Update(ctx, s.canisterID, method, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	_, values, err := candid.Unmarshal(reply)
	if err != nil {
		return nil, decodeError(method, err)
	}
	if !wantResult {
		return nil, nil
	}
	if len(values) == 0 {
		return nil, decodeError(method, fmt.Errorf("empty reply"))
	}
	return values[0], nil
}

func decodeError(method string, err error) error {
	return fmt.Errorf("%s: decode reply: %w", method, err)
}
