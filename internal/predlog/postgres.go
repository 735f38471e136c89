package predlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Brownie44l1/digit-api/internal/predlog/migrations"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// schemaLockKey serializes concurrent schema setup across server replicas.
const schemaLockKey = 0x64696769

// Postgres keeps the log in a PostgreSQL table.
//
// The pool connects lazily, so a database that is down at startup does not
// stop the server; the schema is created on first successful use.
type Postgres struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	schema bool
}

// OpenPostgres builds a pool for dsn. A libpq multi-host DSN
// ("host=a,b" or "postgres://a,b/db") is tried host by host, each attempt
// bounded by timeout.
func OpenPostgres(ctx context.Context, dsn string, timeout time.Duration) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.LazyConnect = true
	if timeout > 0 {
		cfg.ConnConfig.ConnectTimeout = timeout
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// classify marks errors that mean the server could not be reached.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
		if pgerrcode.IsConnectionException(pgerr.Code) ||
			pgerrcode.IsInsufficientResources(pgerr.Code) ||
			pgerrcode.IsOperatorIntervention(pgerr.Code) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if pgerr.Code == pgerrcode.CheckViolation {
			return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		return err
	}
	// Anything that is not a server-reported error is a transport failure.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.schema {
		return nil
	}

	files, err := migrationFiles(migrations.FS, "postgres")
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return classify(err)
	}
	if _, err := tx.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return classify(err)
	}
	for _, m := range files {
		var found int
		err := tx.QueryRow(ctx, `SELECT 1 FROM `+migrationTable+` WHERE name = $1`, m.name).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", m.name, classify(err))
		}
		if _, err := tx.Exec(ctx, m.up); err != nil {
			return fmt.Errorf("exec migration %s: %w", m.name, classify(err))
		}
		if _, err := tx.Exec(ctx, `INSERT INTO `+migrationTable+` (name) VALUES ($1)`, m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, classify(err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	p.schema = true
	return nil
}

func (p *Postgres) Close() error {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return fmt.Errorf("%w: storage is not configured", ErrUnavailable)
	}
	return classify(p.pool.Ping(ctx))
}

func (p *Postgres) Append(ctx context.Context, r Record) (Record, error) {
	if p == nil || p.pool == nil {
		return Record{}, fmt.Errorf("%w: storage is not configured", ErrUnavailable)
	}
	r, err := prepare(r)
	if err != nil {
		return Record{}, err
	}
	if err := p.ensureSchema(ctx); err != nil {
		return Record{}, err
	}
	// PostgreSQL keeps microseconds.
	r.Timestamp = r.Timestamp.Truncate(time.Microsecond)

	if err := p.pool.QueryRow(ctx,
		`INSERT INTO predictions (timestamp, predicted_digit, true_label, confidence)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		r.Timestamp, r.PredictedDigit, r.TrueLabel, r.Confidence,
	).Scan(&r.ID); err != nil {
		return Record{}, fmt.Errorf("append prediction: %w", classify(err))
	}
	return r, nil
}

func (p *Postgres) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if p == nil || p.pool == nil {
		return nil, fmt.Errorf("%w: storage is not configured", ErrUnavailable)
	}
	if limit <= 0 {
		return []Record{}, nil
	}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx,
		`SELECT id, timestamp, predicted_digit, true_label, confidence
		 FROM predictions
		 ORDER BY timestamp DESC, id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", classify(err))
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r     Record
			label *int32
		)
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.PredictedDigit, &label, &r.Confidence); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		if label != nil {
			v := int(*label)
			r.TrueLabel = &v
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list predictions: %w", classify(err))
	}
	return records, nil
}
