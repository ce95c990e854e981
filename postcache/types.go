package postcache

import (
	"fmt"
	"strings"
	"time"

	"github.com/iancoleman/strcase"

	"github.com/yral-dapp/postcache/principal"
)

// KnownPrincipalType names a principal the canister keeps in its registry.
type KnownPrincipalType string

const (
	CanisterIDUserIndex            KnownPrincipalType = "CanisterIdUserIndex"
	CanisterIDPlatformOrchestrator KnownPrincipalType = "CanisterIdPlatformOrchestrator"
	CanisterIDConfiguration        KnownPrincipalType = "CanisterIdConfiguration"
	CanisterIDProjectMemberIndex   KnownPrincipalType = "CanisterIdProjectMemberIndex"
	CanisterIDTopicCacheIndex      KnownPrincipalType = "CanisterIdTopicCacheIndex"
	CanisterIDRootCanister         KnownPrincipalType = "CanisterIdRootCanister"
	CanisterIDDataBackup           KnownPrincipalType = "CanisterIdDataBackup"
	CanisterIDPostCache            KnownPrincipalType = "CanisterIdPostCache"
	CanisterIDSNSController        KnownPrincipalType = "CanisterIdSNSController"
	CanisterIDSNSGovernance        KnownPrincipalType = "CanisterIdSnsGovernance"
	UserIDGlobalSuperAdmin         KnownPrincipalType = "UserIdGlobalSuperAdmin"
)

// KnownPrincipalTypes lists every KnownPrincipalType in declaration order.
var KnownPrincipalTypes = []KnownPrincipalType{
	CanisterIDUserIndex,
	CanisterIDPlatformOrchestrator,
	CanisterIDConfiguration,
	CanisterIDProjectMemberIndex,
	CanisterIDTopicCacheIndex,
	CanisterIDRootCanister,
	CanisterIDDataBackup,
	CanisterIDPostCache,
	CanisterIDSNSController,
	CanisterIDSNSGovernance,
	UserIDGlobalSuperAdmin,
}

// ParseKnownPrincipalType accepts a label in any common casing, e.g.
// "CanisterIdUserIndex", "canister_id_user_index" or "canister-id-user-index".
func ParseKnownPrincipalType(s string) (KnownPrincipalType, error) {
	return parseLabel(s, KnownPrincipalTypes, "known principal type")
}

// KnownPrincipal pairs a registry slot with its principal.
type KnownPrincipal struct {
	Type      KnownPrincipalType  `json:"type"`
	Principal principal.Principal `json:"principal"`
}

// PostCacheInitArgs is the canister's install argument.
type PostCacheInitArgs struct {
	// KnownPrincipalIDs is sent as absent when nil and present (possibly
	// empty) otherwise.
	KnownPrincipalIDs    []KnownPrincipal `json:"known_principal_ids"`
	Version              string           `json:"version"`
	UpgradeVersionNumber *uint64          `json:"upgrade_version_number"`
}

// PostStatus is the moderation and processing state of a post.
type PostStatus string

const (
	BannedForExplicitness    PostStatus = "BannedForExplicitness"
	BannedDueToUserReporting PostStatus = "BannedDueToUserReporting"
	Uploaded                 PostStatus = "Uploaded"
	CheckingExplicitness     PostStatus = "CheckingExplicitness"
	ReadyToView              PostStatus = "ReadyToView"
	Transcoding              PostStatus = "Transcoding"
	Deleted                  PostStatus = "Deleted"
)

var postStatuses = []PostStatus{
	BannedForExplicitness,
	BannedDueToUserReporting,
	Uploaded,
	CheckingExplicitness,
	ReadyToView,
	Transcoding,
	Deleted,
}

// ParsePostStatus accepts a label in any common casing.
func ParsePostStatus(s string) (PostStatus, error) {
	return parseLabel(s, postStatuses, "post status")
}

// NsfwFilter selects posts by their NSFW flag.
type NsfwFilter string

const (
	IncludeNsfw NsfwFilter = "IncludeNsfw"
	OnlyNsfw    NsfwFilter = "OnlyNsfw"
	ExcludeNsfw NsfwFilter = "ExcludeNsfw"
)

var nsfwFilters = []NsfwFilter{IncludeNsfw, OnlyNsfw, ExcludeNsfw}

// ParseNsfwFilter accepts a label in any common casing.
func ParseNsfwFilter(s string) (NsfwFilter, error) {
	return parseLabel(s, nsfwFilters, "nsfw filter")
}

// SystemTime is a timestamp as kept by the canister.
type SystemTime struct {
	NanosSinceEpoch uint32 `json:"nanos_since_epoch"`
	SecsSinceEpoch  uint64 `json:"secs_since_epoch"`
}

// NewSystemTime converts t. Times before the epoch are clamped to it.
func NewSystemTime(t time.Time) SystemTime {
	if t.Before(time.Unix(0, 0)) {
		return SystemTime{}
	}
	return SystemTime{NanosSinceEpoch: uint32(t.Nanosecond()), SecsSinceEpoch: uint64(t.Unix())}
}

// Time returns the timestamp in UTC.
func (t SystemTime) Time() time.Time {
	return time.Unix(int64(t.SecsSinceEpoch), int64(t.NanosSinceEpoch)).UTC()
}

// PostScoreIndexItemV1 is a scored post as it appears in a feed.
type PostScoreIndexItemV1 struct {
	IsNsfw              bool                `json:"is_nsfw"`
	Status              PostStatus          `json:"status"`
	PostID              uint64              `json:"post_id"`
	CreatedAt           *SystemTime         `json:"created_at"`
	Score               uint64              `json:"score"`
	PublisherCanisterID principal.Principal `json:"publisher_canister_id"`
}

// TopPostsFetchError is the error side of a feed page reply.
type TopPostsFetchError string

const (
	ReachedEndOfItemsList                       TopPostsFetchError = "ReachedEndOfItemsList"
	InvalidBoundsPassed                         TopPostsFetchError = "InvalidBoundsPassed"
	ExceededMaxNumberOfItemsAllowedInOneRequest TopPostsFetchError = "ExceededMaxNumberOfItemsAllowedInOneRequest"
)

var topPostsFetchErrors = []TopPostsFetchError{
	ReachedEndOfItemsList,
	InvalidBoundsPassed,
	ExceededMaxNumberOfItemsAllowedInOneRequest,
}

func (e TopPostsFetchError) Error() string {
	return "post cache: " + strcase.ToDelimited(string(e), ' ')
}

// TopPostsResult is a feed page reply. Exactly one of Ok and Err is set.
type TopPostsResult struct {
	Ok  []PostScoreIndexItemV1 `json:"ok,omitempty"`
	Err *TopPostsFetchError    `json:"err,omitempty"`
}

// Unwrap returns the posts, or the fetch error as a Go error.
func (r TopPostsResult) Unwrap() ([]PostScoreIndexItemV1, error) {
	if r.Err != nil {
		return nil, *r.Err
	}
	return r.Ok, nil
}

// HeaderField is a single HTTP header.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HTTPRequest is a request served by the canister's http_request method.
type HTTPRequest struct {
	URL     string        `json:"url"`
	Method  string        `json:"method"`
	Body    []byte        `json:"body"`
	Headers []HeaderField `json:"headers"`
}

// HTTPResponse is the canister's reply to an HTTPRequest.
type HTTPResponse struct {
	Body       []byte        `json:"body"`
	Headers    []HeaderField `json:"headers"`
	StatusCode uint16        `json:"status_code"`
}

func parseLabel[T ~string](s string, labels []T, what string) (T, error) {
	camel := strcase.ToCamel(s)
	for _, l := range labels {
		if strings.EqualFold(camel, string(l)) {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown %s %q", what, s)
}
