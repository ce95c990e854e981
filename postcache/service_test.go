package postcache

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yral-dapp/postcache/candid"
	"github.com/yral-dapp/postcache/principal"
)

var (
	testCanister  = principal.MustDecode("rrkah-fqaaa-aaaaa-aaaaq-cai")
	testPublisher = principal.MustDecode("2vxsx-fae")
	emptyReply    = candid.MustMarshal(nil, nil)
)

type recordedCall struct {
	kind   CallKind
	method string
	arg    []byte
}

// fakeAgent answers every call with reply (or err) and records the calls.
type fakeAgent struct {
	reply []byte
	err   error
	calls []recordedCall
}

func (a *fakeAgent) Query(_ context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	return a.do(KindQuery, canister, method, arg)
}

func (a *fakeAgent) Update(_ context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	return a.do(KindUpdate, canister, method, arg)
}

func (a *fakeAgent) do(kind CallKind, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	if !canister.Equal(testCanister) {
		return nil, errors.New("wrong canister")
	}
	a.calls = append(a.calls, recordedCall{kind, method, arg})
	return a.reply, a.err
}

func (a *fakeAgent) lastCall(t *testing.T) recordedCall {
	t.Helper()
	require.NotEmpty(t, a.calls)
	return a.calls[len(a.calls)-1]
}

func testItem() PostScoreIndexItemV1 {
	return PostScoreIndexItemV1{
		IsNsfw:              false,
		Status:              ReadyToView,
		PostID:              17,
		CreatedAt:           &SystemTime{NanosSinceEpoch: 500, SecsSinceEpoch: 1700000000},
		Score:               990,
		PublisherCanisterID: testPublisher,
	}
}

func TestGetCycleBalance(t *testing.T) {
	balance, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)
	agent := &fakeAgent{reply: candid.MustMarshal([]candid.Type{candid.Nat}, []any{balance})}
	s := NewService(testCanister, agent)

	got, err := s.GetCycleBalance(context.Background())
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(got))

	call := agent.lastCall(t)
	require.Equal(t, KindQuery, call.kind)
	require.Equal(t, "get_cycle_balance", call.method)
	require.Equal(t, []byte("DIDL\x00\x00"), call.arg)
}

func TestGetTopPosts(t *testing.T) {
	item := testItem()
	reply := candid.MustMarshal([]candid.Type{topPostsResultType}, []any{candid.NewVariant("Ok", postScoreIndexItemsValue([]PostScoreIndexItemV1{item}))})
	agent := &fakeAgent{reply: reply}
	s := NewService(testCanister, agent)

	nsfw := false
	filter := ExcludeNsfw
	res, err := s.GetTopPostsForHomeFeedCursor(context.Background(), 0, 10, &nsfw, nil, &filter)
	require.NoError(t, err)
	require.Nil(t, res.Err)
	require.Equal(t, []PostScoreIndexItemV1{item}, res.Ok)

	call := agent.lastCall(t)
	require.Equal(t, KindQuery, call.kind)
	require.Equal(t, MethodGetTopPostsForHomeFeedCursor, call.method)

	types, args, err := candid.Unmarshal(call.arg)
	require.NoError(t, err)
	require.Len(t, types, 5)
	require.Equal(t, uint64(0), args[0])
	require.Equal(t, uint64(10), args[1])
	require.Equal(t, candid.Some(false), args[2])
	require.False(t, candid.AsOption(args[3]).Valid)
	f, err := enumFromCandid(candid.AsOption(args[4]).Value, nsfwFilters)
	require.NoError(t, err)
	require.Equal(t, ExcludeNsfw, f)

	// The feed helper dispatches to the paired method.
	_, err = s.GetTopPosts(context.Background(), FeedHotOrNot, 10, 10, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, MethodGetTopPostsForHotOrNotFeedCursor, agent.lastCall(t).method)
}

func TestGetTopPostsFetchError(t *testing.T) {
	reply := candid.MustMarshal([]candid.Type{topPostsResultType}, []any{candid.NewVariant("Err", enumValue(ReachedEndOfItemsList))})
	s := NewService(testCanister, &fakeAgent{reply: reply})

	res, err := s.GetTopPostsForHotOrNotFeedCursor(context.Background(), 100, 10, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	require.Equal(t, ReachedEndOfItemsList, *res.Err)

	_, err = res.Unwrap()
	require.ErrorIs(t, err, ReachedEndOfItemsList)
	require.Equal(t, "post cache: reached end of items list", err.Error())
}

func TestGetTopPostsSubtyping(t *testing.T) {
	// A newer canister adds a field to items and leaves out created_at.
	newerItem := candid.Record(
		candid.NamedField("is_nsfw", candid.Bool),
		candid.NamedField("status", postStatusType),
		candid.NamedField("post_id", candid.Nat64),
		candid.NamedField("score", candid.Nat64),
		candid.NamedField("publisher_canister_id", candid.Principal),
		candid.NamedField("view_count", candid.Nat64),
	)
	result := candid.Variant(
		candid.NamedField("Ok", candid.Vec(newerItem)),
		candid.NamedField("Err", topPostsFetchErrorType),
	)
	value := candid.NewVariant("Ok", []any{candid.NewRecord(
		candid.F("is_nsfw", true),
		candid.F("status", enumValue(Uploaded)),
		candid.F("post_id", uint64(3)),
		candid.F("score", uint64(4)),
		candid.F("publisher_canister_id", testPublisher),
		candid.F("view_count", uint64(1000)),
	)})
	s := NewService(testCanister, &fakeAgent{reply: candid.MustMarshal([]candid.Type{result}, []any{value})})

	res, err := s.GetTopPostsForHomeFeedCursor(context.Background(), 0, 1, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Ok, 1)
	require.Nil(t, res.Ok[0].CreatedAt)
	require.True(t, res.Ok[0].IsNsfw)
	require.Equal(t, Uploaded, res.Ok[0].Status)
}

func TestGetTopPostsOptMismatch(t *testing.T) {
	// created_at arrives as an opt of the wrong type and coerces to null.
	item := candid.Record(
		candid.NamedField("is_nsfw", candid.Bool),
		candid.NamedField("status", postStatusType),
		candid.NamedField("post_id", candid.Nat64),
		candid.NamedField("created_at", candid.Opt(candid.Text)),
		candid.NamedField("score", candid.Nat64),
		candid.NamedField("publisher_canister_id", candid.Principal),
	)
	result := candid.Variant(
		candid.NamedField("Ok", candid.Vec(item)),
		candid.NamedField("Err", topPostsFetchErrorType),
	)
	value := candid.NewVariant("Ok", []any{candid.NewRecord(
		candid.F("is_nsfw", false),
		candid.F("status", enumValue(ReadyToView)),
		candid.F("post_id", uint64(8)),
		candid.F("created_at", candid.Some("yesterday")),
		candid.F("score", uint64(12)),
		candid.F("publisher_canister_id", testPublisher),
	)})
	s := NewService(testCanister, &fakeAgent{reply: candid.MustMarshal([]candid.Type{result}, []any{value})})

	res, err := s.GetTopPostsForHomeFeedCursor(context.Background(), 0, 1, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Ok, 1)
	require.Nil(t, res.Ok[0].CreatedAt)
	require.Equal(t, uint64(8), res.Ok[0].PostID)
	require.Equal(t, uint64(12), res.Ok[0].Score)

	// The same holds for a top-level opt.
	s = NewService(testCanister, &fakeAgent{reply: candid.MustMarshal([]candid.Type{candid.Opt(candid.Text)}, []any{candid.Some("aaaaa-aa")})})
	p, err := s.GetWellKnownPrincipalValue(context.Background(), CanisterIDUserIndex)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestGetWellKnownPrincipalValue(t *testing.T) {
	agent := &fakeAgent{reply: candid.MustMarshal([]candid.Type{candid.Opt(candid.Principal)}, []any{candid.Some(testPublisher)})}
	s := NewService(testCanister, agent)

	p, err := s.GetWellKnownPrincipalValue(context.Background(), CanisterIDSNSController)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.True(t, p.Equal(testPublisher))

	_, args, err := candid.Unmarshal(agent.lastCall(t).arg)
	require.NoError(t, err)
	variant, err := candid.AsVariant(args[0])
	require.NoError(t, err)
	require.True(t, variant.Is("CanisterIdSNSController"))

	agent.reply = candid.MustMarshal([]candid.Type{candid.Opt(candid.Principal)}, []any{candid.None()})
	p, err = s.GetWellKnownPrincipalValue(context.Background(), UserIDGlobalSuperAdmin)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestHTTPRequest(t *testing.T) {
	want := HTTPResponse{
		Body:       []byte("ok"),
		Headers:    []HeaderField{{Name: "Content-Type", Value: "text/plain"}},
		StatusCode: 200,
	}
	agent := &fakeAgent{reply: candid.MustMarshal([]candid.Type{httpResponseType}, []any{want.candidValue()})}
	s := NewService(testCanister, agent)

	resp, err := s.HTTPRequest(context.Background(), HTTPRequest{URL: "/metrics", Method: "GET"})
	require.NoError(t, err)
	require.Equal(t, want, resp)

	_, args, err := candid.Unmarshal(agent.lastCall(t).arg)
	require.NoError(t, err)
	rec, err := candid.AsRecord(args[0])
	require.NoError(t, err)
	url, err := rec.Field("url")
	require.NoError(t, err)
	require.Equal(t, "/metrics", url)
	body, err := rec.Field("body")
	require.NoError(t, err)
	require.Equal(t, []byte{}, body)
}

func TestUpdateMethods(t *testing.T) {
	agent := &fakeAgent{reply: emptyReply}
	s := NewService(testCanister, agent)
	ctx := context.Background()
	item := testItem()

	for _, tc := range []struct {
		method string
		call   func() error
		args   int
	}{
		{MethodReceiveTopHomeFeedPostsFromPublishingCanister, func() error { return s.ReceiveTopPosts(ctx, FeedHome, []PostScoreIndexItemV1{item}) }, 1},
		{MethodReceiveTopHotOrNotFeedPostsFromPublishingCanister, func() error { return s.ReceiveTopPosts(ctx, FeedHotOrNot, nil) }, 1},
		{MethodRemoveAllFeedEntries, func() error { return s.RemoveAllFeedEntries(ctx) }, 0},
		{MethodUpdatePostHomeFeed, func() error { return s.UpdatePost(ctx, FeedHome, item) }, 1},
		{MethodUpdatePostHotOrNotFeed, func() error { return s.UpdatePost(ctx, FeedHotOrNot, item) }, 1},
	} {
		t.Run(tc.method, func(t *testing.T) {
			require.NoError(t, tc.call())
			call := agent.lastCall(t)
			require.Equal(t, KindUpdate, call.kind)
			require.Equal(t, tc.method, call.method)
			require.Equal(t, KindUpdate, Methods[tc.method])

			_, args, err := candid.Unmarshal(call.arg)
			require.NoError(t, err)
			require.Len(t, args, tc.args)
		})
	}

	// The single item argument survives the trip.
	require.NoError(t, s.UpdatePostHomeFeed(ctx, item))
	_, args, err := candid.Unmarshal(agent.lastCall(t).arg)
	require.NoError(t, err)
	got, err := postScoreIndexItemFromCandid(args[0])
	require.NoError(t, err)
	require.Equal(t, item, got)
}

func TestErrorsAreWrapped(t *testing.T) {
	agentErr := errors.New("replica unavailable")
	s := NewService(testCanister, &fakeAgent{err: agentErr})
	_, err := s.GetCycleBalance(context.Background())
	require.ErrorIs(t, err, agentErr)
	require.Contains(t, err.Error(), "get_cycle_balance")

	s = NewService(testCanister, &fakeAgent{reply: []byte("garbage")})
	_, err = s.GetCycleBalance(context.Background())
	var decErr *candid.DecodeError
	require.ErrorAs(t, err, &decErr)

	// A reply of the wrong type.
	s = NewService(testCanister, &fakeAgent{reply: candid.MustMarshal([]candid.Type{candid.Text}, []any{"x"})})
	_, err = s.GetCycleBalance(context.Background())
	var mismatch *candid.MismatchError
	require.ErrorAs(t, err, &mismatch)

	// Unknown variant labels are rejected.
	unknown := candid.Enum("NotAStatus")
	s = NewService(testCanister, &fakeAgent{reply: candid.MustMarshal(
		[]candid.Type{candid.Variant(candid.NamedField("Err", unknown))},
		[]any{candid.NewVariant("Err", candid.NewVariant("NotAStatus", nil))},
	)})
	_, err = s.GetTopPostsForHomeFeedCursor(context.Background(), 0, 1, nil, nil, nil)
	require.ErrorContains(t, err, "unknown alternative")

	// Invalid enum labels fail to encode.
	err = NewService(testCanister, &fakeAgent{reply: emptyReply}).UpdatePostHomeFeed(context.Background(), PostScoreIndexItemV1{Status: "Bogus"})
	var encErr *candid.EncodeError
	require.ErrorAs(t, err, &encErr)
}

func TestParseLabels(t *testing.T) {
	for in, want := range map[string]KnownPrincipalType{
		"CanisterIdUserIndex":        CanisterIDUserIndex,
		"canister_id_user_index":     CanisterIDUserIndex,
		"canister-id-sns-controller": CanisterIDSNSController,
		"CanisterIdSNSController":    CanisterIDSNSController,
		"user_id_global_super_admin": UserIDGlobalSuperAdmin,
		"canister_id_sns_governance": CanisterIDSNSGovernance,
	} {
		got, err := ParseKnownPrincipalType(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseKnownPrincipalType("nope")
	require.Error(t, err)

	status, err := ParsePostStatus("ready_to_view")
	require.NoError(t, err)
	require.Equal(t, ReadyToView, status)
	filter, err := ParseNsfwFilter("only-nsfw")
	require.NoError(t, err)
	require.Equal(t, OnlyNsfw, filter)

	feed, err := ParseFeedKind("HotOrNot")
	require.NoError(t, err)
	require.Equal(t, FeedHotOrNot, feed)
	_, err = ParseFeedKind("trending")
	require.Error(t, err)
}

func TestSystemTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 250, time.UTC)
	st := NewSystemTime(ts)
	require.Equal(t, uint32(250), st.NanosSinceEpoch)
	require.True(t, ts.Equal(st.Time()))
	require.Equal(t, SystemTime{}, NewSystemTime(time.Unix(-5, 0)))
}

func TestEncodeInitArgs(t *testing.T) {
	version := uint64(3)
	b, err := EncodeInitArgs(PostCacheInitArgs{
		KnownPrincipalIDs:    []KnownPrincipal{{Type: CanisterIDUserIndex, Principal: testPublisher}},
		Version:              "v1.2.0",
		UpgradeVersionNumber: &version,
	})
	require.NoError(t, err)

	_, args, err := candid.Unmarshal(b)
	require.NoError(t, err)
	rec, err := candid.AsRecord(args[0])
	require.NoError(t, err)
	known, err := rec.OptField("known_principal_ids")
	require.NoError(t, err)
	require.True(t, known.Valid)
	vec, err := candid.AsVec(known.Value)
	require.NoError(t, err)
	require.Len(t, vec, 1)
	pair, err := candid.AsRecord(vec[0])
	require.NoError(t, err)
	label, ok := pair.ByID(0)
	require.True(t, ok)
	variant, err := candid.AsVariant(label)
	require.NoError(t, err)
	require.True(t, variant.Is("CanisterIdUserIndex"))
	upgrade, err := rec.OptField("upgrade_version_number")
	require.NoError(t, err)
	require.Equal(t, candid.Some(uint64(3)), upgrade)

	b, err = EncodeInitArgs(PostCacheInitArgs{Version: "v1"})
	require.NoError(t, err)
	_, args, err = candid.Unmarshal(b)
	require.NoError(t, err)
	rec, err = candid.AsRecord(args[0])
	require.NoError(t, err)
	known, err = rec.OptField("known_principal_ids")
	require.NoError(t, err)
	require.False(t, known.Valid)
	upgrade, err = rec.OptField("upgrade_version_number")
	require.NoError(t, err)
	require.False(t, upgrade.Valid)

	// An empty list is sent as an empty vector, not as null.
	b, err = EncodeInitArgs(PostCacheInitArgs{
		KnownPrincipalIDs: []KnownPrincipal{},
		Version:           "v1",
	})
	require.NoError(t, err)
	_, args, err = candid.Unmarshal(b)
	require.NoError(t, err)
	rec, err = candid.AsRecord(args[0])
	require.NoError(t, err)
	known, err = rec.OptField("known_principal_ids")
	require.NoError(t, err)
	require.True(t, known.Valid)
	vec, err = candid.AsVec(known.Value)
	require.NoError(t, err)
	require.Empty(t, vec)

	// The controller label keeps its canister-side spelling.
	b, err = EncodeInitArgs(PostCacheInitArgs{
		KnownPrincipalIDs: []KnownPrincipal{{Type: CanisterIDSNSController, Principal: testPublisher}},
		Version:           "v1",
	})
	require.NoError(t, err)
	_, args, err = candid.Unmarshal(b)
	require.NoError(t, err)
	rec, err = candid.AsRecord(args[0])
	require.NoError(t, err)
	known, err = rec.OptField("known_principal_ids")
	require.NoError(t, err)
	vec, err = candid.AsVec(known.Value)
	require.NoError(t, err)
	pair, err = candid.AsRecord(vec[0])
	require.NoError(t, err)
	label, _ = pair.ByID(0)
	variant, err = candid.AsVariant(label)
	require.NoError(t, err)
	require.True(t, variant.Is("CanisterIdSNSController"))
	require.Equal(t, candid.Hash("CanisterIdSNSController"), variant.ID)
}
