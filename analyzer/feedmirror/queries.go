package feedmirror

const (
	insertRun = `
		INSERT INTO feed_mirror_runs (started_at, finished_at, post_counts)
		VALUES ($1, $2, $3)`

	// Must run in the same session as insertRun.
	upsertPost = `
		INSERT INTO feed_posts (feed, publisher_canister_id, post_id, score, status, is_nsfw, created_at, rank, last_seen_run)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, currval(pg_get_serial_sequence('feed_mirror_runs', 'id')))
		ON CONFLICT (feed, publisher_canister_id, post_id) DO UPDATE
		SET
			score = excluded.score,
			status = excluded.status,
			is_nsfw = excluded.is_nsfw,
			created_at = excluded.created_at,
			rank = excluded.rank,
			last_seen_run = excluded.last_seen_run`

	// Drops the posts of a feed that the current run did not see. Must run
	// in the same session as insertRun.
	pruneFeed = `
		DELETE FROM feed_posts
		WHERE feed = $1 AND last_seen_run <> currval(pg_get_serial_sequence('feed_mirror_runs', 'id'))`
)
