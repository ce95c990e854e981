// Package postgres implements the target storage interface
// backed by PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/yral-dapp/postcache/common"
	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/metrics"
	"github.com/yral-dapp/postcache/storage"
)

const (
	moduleName = "postgres"
)

// Client is a client for connecting to PostgreSQL.
type Client struct {
	pool    *pgxpool.Pool
	logger  *log.Logger
	metrics *metrics.StorageMetrics
}

var _ storage.TargetStorage = (*Client)(nil)

// pgxLogger routes pgx logs into our logger.
type pgxLogger struct {
	logger *log.Logger
}

// logFuncForLevel maps a pgx log level to a logger function.
func (l *pgxLogger) logFuncForLevel(level tracelog.LogLevel) func(string, ...interface{}) {
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		return l.logger.Debug
	case tracelog.LogLevelInfo:
		return l.logger.Info
	case tracelog.LogLevelWarn:
		return l.logger.Warn
	case tracelog.LogLevelError, tracelog.LogLevelNone:
		return l.logger.Error
	default:
		l.logger.Warn("Unknown log level", "unknown_level", level)
		return l.logger.Info
	}
}

// Log implements tracelog.Logger.
func (l *pgxLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]interface{}) {
	args := []interface{}{}
	for k, v := range data {
		args = append(args, k, v)
	}

	logFunc := l.logFuncForLevel(level)
	logFunc(msg, args...)
}

// NewClient creates a new PostgreSQL client. m may be nil.
func NewClient(connString string, l *log.Logger, m *metrics.StorageMetrics) (*Client, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// A pgx log line needs to pass both this level and the logger's level.
	// "Info" logs every statement.
	config.ConnConfig.Tracer = &tracelog.TraceLog{
		LogLevel: tracelog.LogLevelWarn,
		Logger: &pgxLogger{
			logger: l.WithModule(moduleName).With("db", config.ConnConfig.Database),
		},
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}
	return &Client{
		pool:    pool,
		logger:  l.WithModule(moduleName),
		metrics: m,
	}, nil
}

// SendBatch submits a new batch of queries as an atomic transaction to PostgreSQL.
// Row counts are discarded.
func (c *Client) SendBatch(ctx context.Context, batch *storage.QueryBatch) error {
	return c.SendBatchWithOptions(ctx, batch, pgx.TxOptions{})
}

// sendBatchWithOptionsFast sends the batch in a single roundtrip. pgx
// attributes any failure in the batch to its first query.
func (c *Client) sendBatchWithOptionsFast(ctx context.Context, batch *storage.QueryBatch, opts pgx.TxOptions) error {
	var batchResults pgx.BatchResults
	var emptyTxOptions pgx.TxOptions
	var tx pgx.Tx
	var err error

	// Begin a transaction.
	useExplicitTx := opts != emptyTxOptions
	if useExplicitTx {
		// set up our own tx with the specified options
		tx, err = c.pool.BeginTx(ctx, opts)
		if err != nil {
			return fmt.Errorf("failed to begin tx: %w", err)
		}
		batchResults = tx.SendBatch(ctx, batch)
	} else {
		// SendBatch wraps the batch in an implicit transaction.
		batchResults = c.pool.SendBatch(ctx, batch)
	}
	defer common.CloseOrLog(batchResults, c.logger)

	for i := 0; i < batch.Len(); i++ {
		if _, err := batchResults.Exec(); err != nil {
			rollbackErr := ""
			if useExplicitTx {
				err2 := tx.Rollback(ctx)
				if err2 != nil {
					rollbackErr = fmt.Sprintf("; also failed to rollback tx: %s", err2.Error())
				}
			}
			return fmt.Errorf("query %d %s: %w%s", i, batch.QueuedQueries[i].SQL, err, rollbackErr)
		}
	}

	if useExplicitTx {
		if err := batchResults.Close(); err != nil {
			return fmt.Errorf("failed to close batch: %w", err)
		}
		err := tx.Commit(ctx)
		if err != nil {
			return fmt.Errorf("failed to commit tx: %w", err)
		}
	}
	return nil
}

// sendBatchWithOptionsSlow sends one query at a time, which reports the
// failing query accurately.
func (c *Client) sendBatchWithOptionsSlow(ctx context.Context, batch *storage.QueryBatch, opts pgx.TxOptions) error {
	// Begin a transaction.
	tx, err := c.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}

	for i, q := range batch.QueuedQueries {
		if _, err2 := tx.Exec(ctx, q.SQL, q.Arguments...); err2 != nil {
			rollbackErr := ""
			err3 := tx.Rollback(ctx)
			if err3 != nil {
				rollbackErr = fmt.Sprintf("; also failed to rollback tx: %s", err3.Error())
			}
			return fmt.Errorf("query %d %s: %w%s", i, q.SQL, err2, rollbackErr)
		}
	}

	err = tx.Commit(ctx)
	if err != nil {
		c.logger.Error("failed to submit tx",
			"error", err,
			"batch_size", batch.Len(),
		)
		return err
	}
	return nil
}

// SendBatchWithOptions submits a batch in a transaction with the given options.
func (c *Client) SendBatchWithOptions(ctx context.Context, batch *storage.QueryBatch, opts pgx.TxOptions) (err error) {
	if c.metrics != nil {
		defer func(finish func(error)) { finish(err) }(c.metrics.Operation(moduleName, "batch"))
	}
	err = c.sendBatchWithOptionsFast(ctx, batch, opts)
	if err != nil {
		// The transaction was rolled back; resend slowly for a better error.
		err = c.sendBatchWithOptionsSlow(ctx, batch, opts)
	}
	return err
}

// Query submits a new read query to PostgreSQL.
func (c *Client) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if c.metrics != nil {
		status := metrics.OperationSuccess
		if err != nil {
			status = metrics.OperationFailure
		}
		c.metrics.DatabaseOperations(moduleName, "query", status).Inc()
	}
	if err != nil {
		c.logger.Error("failed to query db",
			"error", err,
			"query_cmd", sql,
			"query_args", args,
		)
		return nil, err
	}
	return rows, nil
}

// QueryRow submits a new read query for a single row to PostgreSQL.
func (c *Client) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return c.pool.QueryRow(ctx, sql, args...)
}

// Begin implements storage.TargetStorage.
func (c *Client) Begin(ctx context.Context) (storage.Tx, error) {
	return c.pool.Begin(ctx)
}

// Close implements storage.TargetStorage.
func (c *Client) Close() {
	c.pool.Close()
}

// Name implements storage.TargetStorage.
func (c *Client) Name() string {
	return moduleName
}

// listTables returns the fully-qualified names of all non-internal tables.
func (c *Client) listTables(ctx context.Context) ([]string, error) {
	rows, err := c.Query(ctx, `
		SELECT schemaname, tablename
		FROM pg_tables
		WHERE schemaname != 'information_schema' AND schemaname NOT LIKE 'pg_%'
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	tables := []string{}
	defer rows.Close() // Ensure rows is closed even if we return early.
	for rows.Next() {
		var schema, table string
		if err = rows.Scan(&schema, &table); err != nil {
			return nil, err
		}
		tables = append(tables, fmt.Sprintf("%s.%s", schema, table))
	}
	return tables, nil
}

// Wipe drops every table, including the migrations table.
func (c *Client) Wipe(ctx context.Context) error {
	tables, err := c.listTables(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		c.logger.Info("dropping table", "table", table)
		if _, err = c.pool.Exec(ctx, fmt.Sprintf("DROP TABLE %s CASCADE;", table)); err != nil {
			return err
		}
	}

	return nil
}
