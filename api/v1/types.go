package v1

import (
	"github.com/yral-dapp/postcache/common"
	"github.com/yral-dapp/postcache/postcache"
)

// Status is the gateway status.
type Status struct {
	CanisterID   string        `json:"canister_id"`
	CycleBalance common.BigInt `json:"cycle_balance"`
	AllowUpdates bool          `json:"allow_updates"`
}

// PostList is a page of a feed.
type PostList struct {
	Feed  postcache.FeedKind               `json:"feed"`
	From  uint64                           `json:"from"`
	Posts []postcache.PostScoreIndexItemV1 `json:"posts"`
	// NextFrom is set when the page was full and more posts may follow.
	NextFrom *uint64 `json:"next_from,omitempty"`
}

// WellKnownPrincipal is the principal the canister holds for a type.
type WellKnownPrincipal struct {
	Type      postcache.KnownPrincipalType `json:"type"`
	Principal string                       `json:"principal"`
}
