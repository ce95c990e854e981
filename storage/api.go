// Package storage defines storage interfaces.
package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// QueryBatch represents a batch of queries to be executed atomically.
type QueryBatch = pgx.Batch

// QueryResults represents the results from a read query.
type QueryResults = pgx.Rows

// QueryResult represents the result from a read query.
type QueryResult = pgx.Row

// Tx represents a database transaction.
type Tx = pgx.Tx

// TargetStorage defines an interface for reading and writing mirrored
// canister data.
type TargetStorage interface {
	// SendBatch sends a batch of queries to be applied atomically.
	SendBatch(ctx context.Context, batch *QueryBatch) error

	// Query submits a query to fetch data from target storage.
	Query(ctx context.Context, sql string, args ...interface{}) (QueryResults, error)

	// QueryRow submits a query to fetch a single row of data from target storage.
	QueryRow(ctx context.Context, sql string, args ...interface{}) QueryResult

	// Begin starts a new transaction.
	Begin(ctx context.Context) (Tx, error)

	// Wipe removes all contents of the database.
	Wipe(ctx context.Context) error

	// Close shuts down the storage client.
	Close()

	// Name returns the name of the target storage.
	Name() string
}
