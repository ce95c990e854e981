// Package testutil provides helpers for tests that need a PostgreSQL database.
package testutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/storage/postgres"
)

// ConnStringEnv names the variable holding the test database connection string.
const ConnStringEnv = "CI_TEST_CONN_STRING"

// NewTestClient returns a postgres client for tests. The test is skipped
// when no database is configured or in short mode.
func NewTestClient(t *testing.T) *postgres.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	connString := os.Getenv(ConnStringEnv)
	if connString == "" {
		t.Skipf("%s not set", ConnStringEnv)
	}
	logger, err := log.NewLogger("postgres-test", os.Stdout, log.FmtJSON, log.LevelError)
	require.Nil(t, err, "log.NewLogger")

	client, err := postgres.NewClient(connString, logger, nil)
	require.Nil(t, err, "postgres.NewClient")
	t.Cleanup(client.Close)
	return client
}
