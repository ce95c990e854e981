// Package feedmirror periodically copies the post cache canister's feeds
// into the target storage.
package feedmirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/yral-dapp/postcache/analyzer"
	"github.com/yral-dapp/postcache/common"
	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/metrics"
	"github.com/yral-dapp/postcache/postcache"
	"github.com/yral-dapp/postcache/storage"
)

const (
	feedMirrorAnalyzerName = "feedmirror"

	defaultPageSize = 100
	defaultMaxPosts = 10_000

	// Timeout of a single run, including the database write.
	runTimeout = 5 * time.Minute

	minRetryDelay = time.Second
)

// Source fetches feed pages. *postcache.Service implements it.
type Source interface {
	GetTopPosts(ctx context.Context, feed postcache.FeedKind, from, limit uint64, isNsfw *bool, status *postcache.PostStatus, filter *postcache.NsfwFilter) (postcache.TopPostsResult, error)
}

var _ Source = (*postcache.Service)(nil)

// Config configures the mirror.
type Config struct {
	Interval time.Duration
	// Feeds defaults to all feeds.
	Feeds    []postcache.FeedKind
	PageSize uint64
	MaxPosts uint64

	IsNsfw     *bool
	Status     *postcache.PostStatus
	NsfwFilter *postcache.NsfwFilter
}

type mirror struct {
	cfg    Config
	source Source
	target storage.TargetStorage

	logger  *log.Logger
	metrics metrics.StorageMetrics
}

var _ analyzer.Analyzer = (*mirror)(nil)

// Mirror copies feeds to storage, either periodically via Start or on
// demand via RunOnce.
type Mirror interface {
	analyzer.Analyzer
	// RunOnce mirrors every configured feed in a single transaction and
	// returns the number of posts stored per feed.
	RunOnce(ctx context.Context) (map[postcache.FeedKind]int, error)
}

// NewMirror returns a feed mirror writing to target.
func NewMirror(cfg Config, source Source, target storage.TargetStorage, logger *log.Logger) (Mirror, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("feedmirror: interval must be positive")
	}
	if len(cfg.Feeds) == 0 {
		cfg.Feeds = postcache.Feeds
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPosts == 0 {
		cfg.MaxPosts = defaultMaxPosts
	}
	return &mirror{
		cfg:     cfg,
		source:  source,
		target:  target,
		logger:  logger.With("analyzer", feedMirrorAnalyzerName),
		metrics: metrics.NewDefaultStorageMetrics(feedMirrorAnalyzerName),
	}, nil
}

func (m *mirror) Name() string {
	return feedMirrorAnalyzerName
}

// Start runs the mirror every Interval. Failed runs are retried sooner,
// with jittered exponential backoff capped at the interval.
func (m *mirror) Start(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = min(minRetryDelay, m.cfg.Interval)
	retry.MaxInterval = m.cfg.Interval
	retry.MaxElapsedTime = 0 // Never give up.
	retry.Reset()

	var delay time.Duration // Don't sleep before the first run.
	for {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.logger.Warn("shutting down feed mirror", "reason", ctx.Err())
			return
		}

		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		counts, err := m.RunOnce(runCtx)
		cancel()
		if err != nil {
			delay = retry.NextBackOff()
			m.logger.Error("feed mirror run failed", "err", err, "retry_in", delay)
			continue
		}
		m.logger.Info("feed mirror run completed", "posts", counts)
		retry.Reset()
		delay = m.cfg.Interval
	}
}

func (m *mirror) RunOnce(ctx context.Context) (map[postcache.FeedKind]int, error) {
	startedAt := time.Now()

	feeds := make([][]postcache.PostScoreIndexItemV1, len(m.cfg.Feeds))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, feed := range m.cfg.Feeds {
		i, feed := i, feed
		group.Go(func() error {
			posts, err := m.fetchFeed(groupCtx, feed)
			if err != nil {
				return fmt.Errorf("feed %s: %w", feed, err)
			}
			feeds[i] = posts
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	counts := make(map[postcache.FeedKind]int, len(feeds))
	postCounts := make(map[string]int, len(feeds))
	for i, feed := range m.cfg.Feeds {
		counts[feed] = len(feeds[i])
		postCounts[string(feed)] = len(feeds[i])
	}

	batch := &storage.QueryBatch{}
	batch.Queue(insertRun, startedAt.UTC(), time.Now().UTC(), postCounts)
	for i, feed := range m.cfg.Feeds {
		for rank, post := range feeds[i] {
			var createdAt *time.Time
			if post.CreatedAt != nil {
				createdAt = common.Ptr(post.CreatedAt.Time())
			}
			batch.Queue(upsertPost,
				string(feed),
				post.PublisherCanisterID.String(),
				common.BigIntFromUint64(post.PostID),
				common.BigIntFromUint64(post.Score),
				string(post.Status),
				post.IsNsfw,
				createdAt,
				rank,
			)
		}
		batch.Queue(pruneFeed, string(feed))
	}
	if err := m.writeToDB(ctx, batch, "mirror_run"); err != nil {
		return nil, fmt.Errorf("storing run: %w", err)
	}
	return counts, nil
}

func (m *mirror) writeToDB(ctx context.Context, batch *storage.QueryBatch, opName string) error {
	finish := m.metrics.Operation(m.target.Name(), opName)
	err := m.target.SendBatch(ctx, batch)
	finish(err)
	return err
}

// fetchFeed pages through a feed from the top until the canister reports
// the end of the list or MaxPosts posts were read. The page size is halved
// whenever the canister refuses it as too large.
func (m *mirror) fetchFeed(ctx context.Context, feed postcache.FeedKind) ([]postcache.PostScoreIndexItemV1, error) {
	logger := m.logger.With("feed", feed)
	pageSize := m.cfg.PageSize
	seen := map[postKey]struct{}{}
	posts := []postcache.PostScoreIndexItemV1{}

	for from := uint64(0); from < m.cfg.MaxPosts; {
		limit := pageSize
		if remaining := m.cfg.MaxPosts - from; remaining < limit {
			limit = remaining
		}
		res, err := m.source.GetTopPosts(ctx, feed, from, limit, m.cfg.IsNsfw, m.cfg.Status, m.cfg.NsfwFilter)
		if err != nil {
			return nil, err
		}
		page, err := res.Unwrap()
		var fetchErr postcache.TopPostsFetchError
		switch {
		case err == nil:
		case !errors.As(err, &fetchErr):
			return nil, err
		case fetchErr == postcache.ReachedEndOfItemsList:
			return posts, nil
		case fetchErr == postcache.InvalidBoundsPassed && from > 0:
			// The previous page ended exactly at the end of the list.
			return posts, nil
		case fetchErr == postcache.ExceededMaxNumberOfItemsAllowedInOneRequest && pageSize > 1:
			pageSize /= 2
			logger.Info("page size refused, halving", "page_size", pageSize)
			continue
		default:
			return nil, fmt.Errorf("fetching posts %d..%d: %w", from, from+limit, err)
		}

		for _, post := range page {
			key := postKey{publisher: post.PublisherCanisterID.String(), postID: post.PostID}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			posts = append(posts, post)
		}
		logger.Debug("fetched page", "from", from, "limit", limit, "received", len(page))
		if uint64(len(page)) < limit {
			return posts, nil
		}
		from += uint64(len(page))
	}
	return posts, nil
}

type postKey struct {
	publisher string
	postID    uint64
}
