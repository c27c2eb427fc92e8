package infra

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// SQLExecutor defines the contract repositories use to run sqlinline queries.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

var markerRegexp = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// SQLRunner executes marker-tagged queries on a pgx pool and logs each one
// by its marker instead of its text.
type SQLRunner struct {
	Pool   *pgxpool.Pool
	Logger zerolog.Logger
	// Statements slower than SlowQuery are logged at warn level.
	SlowQuery time.Duration
}

const defaultSlowQuery = 500 * time.Millisecond

func NewSQLRunner(pool *pgxpool.Pool, logger zerolog.Logger) *SQLRunner {
	return &SQLRunner{Pool: pool, Logger: logger, SlowQuery: defaultSlowQuery}
}

func (r *SQLRunner) observe(marker, op string, start time.Time) {
	took := time.Since(start)
	evt := r.Logger.Debug()
	if r.SlowQuery > 0 && took >= r.SlowQuery {
		evt = r.Logger.Warn()
	}
	evt.Str("marker", marker).Dur("took", took).Msg("sql: " + op)
}

func (r *SQLRunner) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	marker, trimmed, err := extractMarker(query)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	start := time.Now()
	tag, err := r.Pool.Exec(ctx, trimmed, args...)
	if err != nil {
		r.Logger.Error().Err(err).Str("marker", marker).Msg("sql: exec failed")
		return tag, err
	}
	r.observe(marker, "exec", start)
	return tag, nil
}

func (r *SQLRunner) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	marker, trimmed, err := extractMarker(query)
	if err != nil {
		return errorRow{err: err}
	}
	return loggingRow{
		row:    r.Pool.QueryRow(ctx, trimmed, args...),
		runner: r,
		marker: marker,
		start:  time.Now(),
	}
}

func (r *SQLRunner) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	marker, trimmed, err := extractMarker(query)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := r.Pool.Query(ctx, trimmed, args...)
	if err != nil {
		r.Logger.Error().Err(err).Str("marker", marker).Msg("sql: query failed")
		return nil, err
	}
	return loggingRows{Rows: rows, runner: r, marker: marker, start: start}, nil
}

// loggingRow times the statement up to Scan, where pgx actually runs it.
type loggingRow struct {
	row    pgx.Row
	runner *SQLRunner
	marker string
	start  time.Time
}

func (l loggingRow) Scan(dest ...any) error {
	err := l.row.Scan(dest...)
	if err != nil && !IsNoRows(err) {
		l.runner.Logger.Error().Err(err).Str("marker", l.marker).Msg("sql: scan failed")
		return err
	}
	l.runner.observe(l.marker, "query_row", l.start)
	return err
}

type loggingRows struct {
	pgx.Rows
	runner *SQLRunner
	marker string
	start  time.Time
}

func (l loggingRows) Close() {
	l.Rows.Close()
	if err := l.Rows.Err(); err != nil {
		l.runner.Logger.Error().Err(err).Str("marker", l.marker).Msg("sql: rows failed")
		return
	}
	l.runner.observe(l.marker, "query", l.start)
}

type errorRow struct {
	err error
}

func (e errorRow) Scan(dest ...any) error {
	return e.err
}

// extractMarker splits the "--sql <uuid>" first line from the statement.
func extractMarker(query string) (marker, body string, err error) {
	first, rest, _ := strings.Cut(strings.TrimSpace(query), "\n")
	first = strings.TrimSpace(first)
	if first == "" {
		return "", "", errors.New("empty query")
	}
	if !markerRegexp.MatchString(first) {
		return "", "", errors.New("sql marker missing or invalid")
	}
	return strings.TrimPrefix(first, "--sql "), rest, nil
}

// IsNoRows reports whether err is pgx's empty-result error.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var _ SQLExecutor = (*SQLRunner)(nil)
