package postcache

import (
	"fmt"

	"github.com/yral-dapp/postcache/candid"
)

// Candid descriptors of the canister's interface types.
var (
	knownPrincipalTypeType = enumType(KnownPrincipalTypes)
	postStatusType         = enumType(postStatuses)
	nsfwFilterType         = enumType(nsfwFilters)
	topPostsFetchErrorType = enumType(topPostsFetchErrors)

	systemTimeType = candid.Record(
		candid.NamedField("nanos_since_epoch", candid.Nat32),
		candid.NamedField("secs_since_epoch", candid.Nat64),
	)
	postScoreIndexItemType = candid.Record(
		candid.NamedField("is_nsfw", candid.Bool),
		candid.NamedField("status", postStatusType),
		candid.NamedField("post_id", candid.Nat64),
		candid.NamedField("created_at", candid.Opt(systemTimeType)),
		candid.NamedField("score", candid.Nat64),
		candid.NamedField("publisher_canister_id", candid.Principal),
	)
	postScoreIndexItemsType = candid.Vec(postScoreIndexItemType)
	topPostsResultType      = candid.Variant(
		candid.NamedField("Ok", postScoreIndexItemsType),
		candid.NamedField("Err", topPostsFetchErrorType),
	)

	headerFieldsType = candid.Vec(candid.Tuple(candid.Text, candid.Text))
	httpRequestType  = candid.Record(
		candid.NamedField("url", candid.Text),
		candid.NamedField("method", candid.Text),
		candid.NamedField("body", candid.Blob),
		candid.NamedField("headers", headerFieldsType),
	)
	httpResponseType = candid.Record(
		candid.NamedField("body", candid.Blob),
		candid.NamedField("headers", headerFieldsType),
		candid.NamedField("status_code", candid.Nat16),
	)

	postCacheInitArgsType = candid.Record(
		candid.NamedField("known_principal_ids", candid.Opt(candid.Vec(candid.Tuple(knownPrincipalTypeType, candid.Principal)))),
		candid.NamedField("version", candid.Text),
		candid.NamedField("upgrade_version_number", candid.Opt(candid.Nat64)),
	)
)

func enumType[T ~string](labels []T) *candid.VariantType {
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = string(l)
	}
	return candid.Enum(names...)
}

func enumValue[T ~string](v T) candid.VariantValue {
	return candid.NewVariant(string(v), nil)
}

func enumFromCandid[T ~string](v any, labels []T) (T, error) {
	variant, err := candid.AsVariant(v)
	if err != nil {
		return "", err
	}
	for _, l := range labels {
		if variant.Is(string(l)) {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown alternative with id %d", variant.ID)
}

// field converts a required record field, naming it in errors.
func field[T any](rec candid.RecordValue, name string, conv func(any) (T, error)) (T, error) {
	var zero T
	v, err := rec.Field(name)
	if err != nil {
		return zero, err
	}
	t, err := conv(v)
	if err != nil {
		return zero, fmt.Errorf("field %s: %w", name, err)
	}
	return t, nil
}

// optField converts an optional record field. Absent fields yield nil.
func optField[T any](rec candid.RecordValue, name string, conv func(any) (T, error)) (*T, error) {
	o, err := rec.OptField(name)
	if err != nil {
		return nil, err
	}
	return optOf(o, conv), nil
}

// optOf converts the value of an opt. A value that does not convert is
// treated as absent, as Candid subtyping coerces it to null.
func optOf[T any](o candid.Option, conv func(any) (T, error)) *T {
	if !o.Valid {
		return nil
	}
	t, err := conv(o.Value)
	if err != nil {
		return nil
	}
	return &t
}

func optValue[T any](v *T, conv func(T) any) candid.Option {
	if v == nil {
		return candid.None()
	}
	return candid.Some(conv(*v))
}

func (t SystemTime) candidValue() any {
	return candid.NewRecord(
		candid.F("nanos_since_epoch", t.NanosSinceEpoch),
		candid.F("secs_since_epoch", t.SecsSinceEpoch),
	)
}

func systemTimeFromCandid(v any) (SystemTime, error) {
	rec, err := candid.AsRecord(v)
	if err != nil {
		return SystemTime{}, err
	}
	var t SystemTime
	if t.NanosSinceEpoch, err = field(rec, "nanos_since_epoch", candid.AsNat32); err != nil {
		return SystemTime{}, err
	}
	if t.SecsSinceEpoch, err = field(rec, "secs_since_epoch", candid.AsNat64); err != nil {
		return SystemTime{}, err
	}
	return t, nil
}

func (item PostScoreIndexItemV1) candidValue() any {
	return candid.NewRecord(
		candid.F("is_nsfw", item.IsNsfw),
		candid.F("status", enumValue(item.Status)),
		candid.F("post_id", item.PostID),
		candid.F("created_at", optValue(item.CreatedAt, SystemTime.candidValue)),
		candid.F("score", item.Score),
		candid.F("publisher_canister_id", item.PublisherCanisterID),
	)
}

func postScoreIndexItemFromCandid(v any) (PostScoreIndexItemV1, error) {
	rec, err := candid.AsRecord(v)
	if err != nil {
		return PostScoreIndexItemV1{}, err
	}
	var item PostScoreIndexItemV1
	if item.IsNsfw, err = field(rec, "is_nsfw", candid.AsBool); err != nil {
		return PostScoreIndexItemV1{}, err
	}
	if item.Status, err = field(rec, "status", func(v any) (PostStatus, error) { return enumFromCandid(v, postStatuses) }); err != nil {
		return PostScoreIndexItemV1{}, err
	}
	if item.PostID, err = field(rec, "post_id", candid.AsNat64); err != nil {
		return PostScoreIndexItemV1{}, err
	}
	if item.CreatedAt, err = optField(rec, "created_at", systemTimeFromCandid); err != nil {
		return PostScoreIndexItemV1{}, err
	}
	if item.Score, err = field(rec, "score", candid.AsNat64); err != nil {
		return PostScoreIndexItemV1{}, err
	}
	if item.PublisherCanisterID, err = field(rec, "publisher_canister_id", candid.AsPrincipal); err != nil {
		return PostScoreIndexItemV1{}, err
	}
	return item, nil
}

func postScoreIndexItemsValue(items []PostScoreIndexItemV1) any {
	vec := make([]any, len(items))
	for i, item := range items {
		vec[i] = item.candidValue()
	}
	return vec
}

func postScoreIndexItemsFromCandid(v any) ([]PostScoreIndexItemV1, error) {
	vec, err := candid.AsVec(v)
	if err != nil {
		return nil, err
	}
	items := make([]PostScoreIndexItemV1, len(vec))
	for i, elem := range vec {
		if items[i], err = postScoreIndexItemFromCandid(elem); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	return items, nil
}

func topPostsResultFromCandid(v any) (TopPostsResult, error) {
	variant, err := candid.AsVariant(v)
	if err != nil {
		return TopPostsResult{}, err
	}
	switch {
	case variant.Is("Ok"):
		items, err := postScoreIndexItemsFromCandid(variant.Value)
		if err != nil {
			return TopPostsResult{}, fmt.Errorf("variant Ok: %w", err)
		}
		return TopPostsResult{Ok: items}, nil
	case variant.Is("Err"):
		fetchErr, err := enumFromCandid(variant.Value, topPostsFetchErrors)
		if err != nil {
			return TopPostsResult{}, fmt.Errorf("variant Err: %w", err)
		}
		return TopPostsResult{Err: &fetchErr}, nil
	default:
		return TopPostsResult{}, fmt.Errorf("unknown result alternative with id %d", variant.ID)
	}
}

func headersValue(headers []HeaderField) any {
	vec := make([]any, len(headers))
	for i, h := range headers {
		vec[i] = candid.NewTuple(h.Name, h.Value)
	}
	return vec
}

func headersFromCandid(v any) ([]HeaderField, error) {
	vec, err := candid.AsVec(v)
	if err != nil {
		return nil, err
	}
	headers := make([]HeaderField, len(vec))
	for i, elem := range vec {
		pair, err := candid.AsRecord(elem)
		if err != nil {
			return nil, err
		}
		name, ok := pair.ByID(0)
		if !ok {
			return nil, fmt.Errorf("header %d: missing name", i)
		}
		value, ok := pair.ByID(1)
		if !ok {
			return nil, fmt.Errorf("header %d: missing value", i)
		}
		if headers[i].Name, err = candid.AsText(name); err != nil {
			return nil, err
		}
		if headers[i].Value, err = candid.AsText(value); err != nil {
			return nil, err
		}
	}
	return headers, nil
}

func (r HTTPRequest) candidValue() any {
	body := r.Body
	if body == nil {
		body = []byte{}
	}
	return candid.NewRecord(
		candid.F("url", r.URL),
		candid.F("method", r.Method),
		candid.F("body", body),
		candid.F("headers", headersValue(r.Headers)),
	)
}

func (r HTTPResponse) candidValue() any {
	body := r.Body
	if body == nil {
		body = []byte{}
	}
	return candid.NewRecord(
		candid.F("body", body),
		candid.F("headers", headersValue(r.Headers)),
		candid.F("status_code", r.StatusCode),
	)
}

func httpResponseFromCandid(v any) (HTTPResponse, error) {
	rec, err := candid.AsRecord(v)
	if err != nil {
		return HTTPResponse{}, err
	}
	var resp HTTPResponse
	if resp.Body, err = field(rec, "body", candid.AsBlob); err != nil {
		return HTTPResponse{}, err
	}
	if resp.Headers, err = field(rec, "headers", headersFromCandid); err != nil {
		return HTTPResponse{}, err
	}
	if resp.StatusCode, err = field(rec, "status_code", candid.AsNat16); err != nil {
		return HTTPResponse{}, err
	}
	return resp, nil
}

func (a PostCacheInitArgs) candidValue() any {
	known := candid.None()
	if a.KnownPrincipalIDs != nil {
		vec := make([]any, len(a.KnownPrincipalIDs))
		for i, kp := range a.KnownPrincipalIDs {
			vec[i] = candid.NewTuple(enumValue(kp.Type), kp.Principal)
		}
		known = candid.Some(vec)
	}
	return candid.NewRecord(
		candid.F("known_principal_ids", known),
		candid.F("version", a.Version),
		candid.F("upgrade_version_number", optValue(a.UpgradeVersionNumber, func(n uint64) any { return n })),
	)
}

// EncodeInitArgs encodes the canister's install argument.
func EncodeInitArgs(args PostCacheInitArgs) ([]byte, error) {
	return candid.Marshal([]candid.Type{postCacheInitArgsType}, []any{args.candidValue()})
}
