package mirror_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yral-dapp/postcache/analyzer/feedmirror"
	cmdMirror "github.com/yral-dapp/postcache/cmd/mirror"
	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/postcache"
	"github.com/yral-dapp/postcache/principal"
	"github.com/yral-dapp/postcache/storage/postgres/testutil"
)

const migrations = "file://../../storage/migrations"

func TestMigrations(t *testing.T) {
	client := testutil.NewTestClient(t)
	ctx := context.Background()

	// Ensure database is empty before running migrations.
	require.NoError(t, client.Wipe(ctx), "failed to wipe database")

	// Run migrations.
	connString := os.Getenv(testutil.ConnStringEnv)
	require.NoError(t, cmdMirror.RunMigrations(migrations, connString), "failed to run migrations")

	var n int
	require.NoError(t, client.QueryRow(ctx, `SELECT count(*) FROM feed_posts`).Scan(&n))
	require.Zero(t, n)

	// Applying them again is a no-op.
	require.NoError(t, cmdMirror.RunMigrations(migrations, connString))
}

// feed serves the first n posts of a single feed.
type feed struct {
	n uint64
}

func (f *feed) GetTopPosts(_ context.Context, _ postcache.FeedKind, from, limit uint64, _ *bool, _ *postcache.PostStatus, _ *postcache.NsfwFilter) (postcache.TopPostsResult, error) {
	if from >= f.n {
		e := postcache.ReachedEndOfItemsList
		return postcache.TopPostsResult{Err: &e}, nil
	}
	posts := []postcache.PostScoreIndexItemV1{}
	for i := from; i < f.n && i < from+limit; i++ {
		posts = append(posts, postcache.PostScoreIndexItemV1{
			Status:              postcache.ReadyToView,
			PostID:              i,
			Score:               100 - i,
			PublisherCanisterID: principal.Anonymous,
		})
	}
	return postcache.TopPostsResult{Ok: posts}, nil
}

func TestMirrorPrunesStalePosts(t *testing.T) {
	client := testutil.NewTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.Wipe(ctx))
	require.NoError(t, cmdMirror.RunMigrations(migrations, os.Getenv(testutil.ConnStringEnv)))

	source := &feed{n: 5}
	m, err := feedmirror.NewMirror(feedmirror.Config{
		Interval: time.Minute,
		Feeds:    []postcache.FeedKind{postcache.FeedHome},
		PageSize: 10,
	}, source, client, log.NewDiscardLogger())
	require.NoError(t, err)

	countPosts := func() int {
		var n int
		require.NoError(t, client.QueryRow(ctx, `SELECT count(*) FROM feed_posts WHERE feed = 'home'`).Scan(&n))
		return n
	}

	_, err = m.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, countPosts())

	// Posts that dropped out of the feed are removed.
	source.n = 2
	_, err = m.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, countPosts())

	var stale int
	require.NoError(t, client.QueryRow(ctx, `
		SELECT count(*) FROM feed_posts
		WHERE last_seen_run <> (SELECT max(id) FROM feed_mirror_runs)`).Scan(&stale))
	require.Zero(t, stale)
}
