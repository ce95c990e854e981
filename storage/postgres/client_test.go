package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/metrics"
	"github.com/yral-dapp/postcache/storage"
	"github.com/yral-dapp/postcache/storage/postgres"
	pgtestutil "github.com/yral-dapp/postcache/storage/postgres/testutil"
)

func TestInvalidConnect(t *testing.T) {
	_, err := postgres.NewClient("an invalid connstring", log.NewDiscardLogger(), nil)
	require.NotNil(t, err)
}

func TestQuery(t *testing.T) {
	client := pgtestutil.NewTestClient(t)

	rows, err := client.Query(context.Background(), `
		SELECT * FROM ( VALUES (0),(1),(2) ) AS q;
	`)
	require.Nil(t, err)
	defer rows.Close()

	i := 0
	for rows.Next() {
		var result int
		require.Nil(t, rows.Scan(&result))
		require.Equal(t, i, result)
		i++
	}
	require.Equal(t, 3, i)
}

func TestInvalidQuery(t *testing.T) {
	client := pgtestutil.NewTestClient(t)

	_, err := client.Query(context.Background(), `an invalid query`)
	require.NotNil(t, err)

	var result int
	err = client.QueryRow(context.Background(), `an invalid query`).Scan(&result)
	require.NotNil(t, err)
}

func TestSendBatch(t *testing.T) {
	client := pgtestutil.NewTestClient(t)
	ctx := context.Background()

	defer func() {
		destroy := &storage.QueryBatch{}
		destroy.Queue(`DROP TABLE IF EXISTS posts_test;`)
		require.Nil(t, client.SendBatch(ctx, destroy))
	}()

	create := &storage.QueryBatch{}
	create.Queue(`
		CREATE TABLE posts_test (
			post_id NUMERIC PRIMARY KEY,
			canister TEXT
		);
	`)
	require.Nil(t, client.SendBatch(ctx, create))

	canisters := []string{"rrkah-fqaaa-aaaaa-aaaaq-cai", "ryjl3-tyaaa-aaaaa-aaaba-cai", "aaaaa-aa"}
	insert := &storage.QueryBatch{}
	for i, c := range canisters {
		insert.Queue(`INSERT INTO posts_test (post_id, canister) VALUES ($1, $2)`, i, c)
	}
	require.Nil(t, client.SendBatch(ctx, insert))

	var wg sync.WaitGroup
	for i, c := range canisters {
		wg.Add(1)
		go func(i int, canister string) {
			defer wg.Done()
			var result string
			err := client.QueryRow(ctx, `SELECT canister FROM posts_test WHERE post_id = $1`, i).Scan(&result)
			require.Nil(t, err)
			require.Equal(t, canister, result)
		}(i, c)
	}
	wg.Wait()

	// A failing batch is rolled back as a whole.
	dup := &storage.QueryBatch{}
	dup.Queue(`INSERT INTO posts_test (post_id, canister) VALUES ($1, $2)`, 10, "x")
	dup.Queue(`INSERT INTO posts_test (post_id, canister) VALUES ($1, $2)`, 0, "y")
	err := client.SendBatch(ctx, dup)
	require.ErrorContains(t, err, "query 1")
	var n int
	require.Nil(t, client.QueryRow(ctx, `SELECT count(*) FROM posts_test`).Scan(&n))
	require.Equal(t, len(canisters), n)
}

func TestBatchMetrics(t *testing.T) {
	pgtestutil.NewTestClient(t) // skips without a database
	m := metrics.NewDefaultStorageMetrics("postgres_test")
	client, err := postgres.NewClient(os.Getenv(pgtestutil.ConnStringEnv), log.NewDiscardLogger(), &m)
	require.Nil(t, err)
	defer client.Close()

	failures := m.DatabaseOperations("postgres", "batch", "failure")
	before := testutil.ToFloat64(failures)
	invalid := &storage.QueryBatch{}
	invalid.Queue(`an invalid query`)
	require.NotNil(t, client.SendBatch(context.Background(), invalid))
	require.Equal(t, before+1, testutil.ToFloat64(failures))
}
