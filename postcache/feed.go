package postcache

import (
	"context"
	"fmt"

	"github.com/iancoleman/strcase"
)

// FeedKind selects one of the canister's two feeds.
type FeedKind string

const (
	FeedHome     FeedKind = "home"
	FeedHotOrNot FeedKind = "hot_or_not"
)

// Feeds lists every feed.
var Feeds = []FeedKind{FeedHome, FeedHotOrNot}

// ParseFeedKind accepts "home" and "hot_or_not" in any common casing.
func ParseFeedKind(s string) (FeedKind, error) {
	switch FeedKind(strcase.ToSnake(s)) {
	case FeedHome:
		return FeedHome, nil
	case FeedHotOrNot:
		return FeedHotOrNot, nil
	default:
		return "", fmt.Errorf("unknown feed %q", s)
	}
}

// GetTopPosts pages through a feed; see GetTopPostsForHomeFeedCursor.
func (s *Service) GetTopPosts(ctx context.Context, feed FeedKind, from, limit uint64, isNsfw *bool, status *PostStatus, filter *NsfwFilter) (TopPostsResult, error) {
	switch feed {
	case FeedHome:
		return s.GetTopPostsForHomeFeedCursor(ctx, from, limit, isNsfw, status, filter)
	case FeedHotOrNot:
		return s.GetTopPostsForHotOrNotFeedCursor(ctx, from, limit, isNsfw, status, filter)
	default:
		return TopPostsResult{}, fmt.Errorf("unknown feed %q", feed)
	}
}

// ReceiveTopPosts submits posts to a feed.
func (s *Service) ReceiveTopPosts(ctx context.Context, feed FeedKind, items []PostScoreIndexItemV1) error {
	switch feed {
	case FeedHome:
		return s.ReceiveTopHomeFeedPostsFromPublishingCanister(ctx, items)
	case FeedHotOrNot:
		return s.ReceiveTopHotOrNotFeedPostsFromPublishingCanister(ctx, items)
	default:
		return fmt.Errorf("unknown feed %q", feed)
	}
}

// UpdatePost inserts or rescores a single post of a feed.
func (s *Service) UpdatePost(ctx context.Context, feed FeedKind, item PostScoreIndexItemV1) error {
	switch feed {
	case FeedHome:
		return s.UpdatePostHomeFeed(ctx, item)
	case FeedHotOrNot:
		return s.UpdatePostHotOrNotFeed(ctx, item)
	default:
		return fmt.Errorf("unknown feed %q", feed)
	}
}
