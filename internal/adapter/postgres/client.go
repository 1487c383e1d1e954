// Package postgres implements backend.Tables on PostgreSQL via lib/pq. Rows
// travel as row_to_json documents so the adapter stays schema-agnostic, and
// every committed write is handed to a change publisher.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
)

// Client is a backend.Tables over a *sql.DB.
type Client struct {
	db        *sql.DB
	publisher backend.ChangePublisher
	timeout   time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// Options configures a Client.
type Options struct {
	Publisher backend.ChangePublisher
	Timeout   time.Duration
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string, opts Options) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	c := New(db, opts)
	if err := c.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an open database.
func New(db *sql.DB, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetricsForTesting()
	}
	return &Client{
		db:        db,
		publisher: opts.Publisher,
		timeout:   opts.Timeout,
		clock:     domain.NewClock(opts.Clock),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Ping checks connectivity; used by the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w: %w", domain.ErrBackendUnavailable, err)
	}
	return nil
}

func (c *Client) Close() error { return c.db.Close() }

func (c *Client) Select(ctx context.Context, q backend.Query) ([]json.RawMessage, error) {
	query, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}
	rows, err := c.query(ctx, q.Table, "select", query, args)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) Insert(ctx context.Context, table string, rows ...backend.Row) ([]json.RawMessage, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, c.fail(table, "insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		query, args := buildInsert(table, row)
		var raw []byte
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
			return nil, c.fail(table, "insert", err)
		}
		out = append(out, json.RawMessage(raw))
	}
	if err := tx.Commit(); err != nil {
		return nil, c.fail(table, "insert", err)
	}
	c.observe(table, "insert", start)
	c.publish(ctx, table, domain.ChangeInsert, out, nil)
	return out, nil
}

func (c *Client) Update(ctx context.Context, table string, patch backend.Row, filters ...backend.Filter) ([]json.RawMessage, error) {
	query, args, err := buildUpdate(table, patch, filters)
	if err != nil {
		return nil, err
	}
	out, err := c.query(ctx, table, "update", query, args)
	if err != nil {
		return nil, err
	}
	c.publish(ctx, table, domain.ChangeUpdate, out, nil)
	return out, nil
}

func (c *Client) Delete(ctx context.Context, table string, filters ...backend.Filter) (int64, error) {
	query, args, err := buildDelete(table, filters)
	if err != nil {
		return 0, err
	}
	old, err := c.query(ctx, table, "delete", query, args)
	if err != nil {
		return 0, err
	}
	c.publish(ctx, table, domain.ChangeDelete, nil, old)
	return int64(len(old)), nil
}

func (c *Client) Upsert(ctx context.Context, table string, row backend.Row, onConflict ...string) (json.RawMessage, error) {
	if len(onConflict) == 0 {
		return nil, fmt.Errorf("upsert %s: conflict columns required", table)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	query, args := buildUpsert(table, row, onConflict)
	var (
		raw      []byte
		inserted bool
	)
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&raw, &inserted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("upsert %s: %w", table, domain.ErrNotFound)
		}
		return nil, c.fail(table, "upsert", err)
	}
	c.observe(table, "upsert", start)

	typ := domain.ChangeUpdate
	if inserted {
		typ = domain.ChangeInsert
	}
	c.publish(ctx, table, typ, []json.RawMessage{raw}, nil)
	return raw, nil
}

func (c *Client) RPC(ctx context.Context, fn string, args backend.Row) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	query, params := buildRPC(fn, args)
	var raw []byte
	if err := c.db.QueryRowContext(ctx, query, params...).Scan(&raw); err != nil {
		return nil, c.fail(fn, "rpc", err)
	}
	c.observe(fn, "rpc", start)
	return raw, nil
}

// query runs a statement returning row_to_json documents.
func (c *Client) query(ctx context.Context, table, op, query string, args []any) ([]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.fail(table, op, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, c.fail(table, op, err)
		}
		out = append(out, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, c.fail(table, op, err)
	}
	c.observe(table, op, start)
	return out, nil
}

func (c *Client) observe(table, op string, start time.Time) {
	c.metrics.BackendDuration.WithLabelValues(table, op).Observe(c.clock.Since(start).Seconds())
}

func (c *Client) fail(table, op string, err error) error {
	c.metrics.BackendErrors.WithLabelValues(table, op).Inc()
	return fmt.Errorf("%s %s: %w", op, table, classify(err))
}

// classify maps driver errors onto domain sentinels.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42P01":
			return fmt.Errorf("%w: %s", domain.ErrTableMissing, pqErr.Message)
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s", domain.ErrDuplicate, pqErr.Message)
		case pqErr.Code == "42883":
			return fmt.Errorf("%w: %s", domain.ErrNotFound, pqErr.Message)
		case pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57":
			return fmt.Errorf("%w: %s", domain.ErrBackendUnavailable, pqErr.Message)
		}
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	// Anything that is not a server-side error is a connectivity failure.
	return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
}

func (c *Client) publish(ctx context.Context, table string, typ domain.ChangeType, rows, old []json.RawMessage) {
	if c.publisher == nil {
		return
	}
	n := max(len(rows), len(old))
	if n == 0 {
		return
	}
	now := c.clock.Now().UTC()
	evs := make([]domain.ChangeEvent, 0, n)
	for i := range n {
		ev := domain.ChangeEvent{Table: table, Type: typ, CommitTime: now}
		if i < len(rows) {
			ev.New = rows[i]
		}
		if i < len(old) {
			ev.Old = old[i]
		}
		evs = append(evs, ev)
	}
	if err := c.publisher.Publish(context.WithoutCancel(ctx), evs...); err != nil {
		c.logger.Error("publish change events failed", "table", table, "type", typ, "count", len(evs), "error", err)
	}
}
