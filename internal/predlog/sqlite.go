package predlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Brownie44l1/digit-api/internal/predlog/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite keeps the log in a local database file.
type SQLite struct {
	sqlDB *sql.DB
}

// classifySQLite marks errors that mean the database file cannot be used
// right now, and constraint failures as invalid records.
func classifySQLite(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN,
			sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_READONLY:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		case sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
	}
	return err
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the embedded migrations. ":memory:" is accepted for tests.
func OpenSQLite(path string, timeout time.Duration) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	memory := path == ":memory:"
	if !memory {
		path = filepath.Clean(path)
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, timeout.Milliseconds())
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: ping sqlite db: %v", ErrUnavailable, err)
	}
	if err := applySQLiteMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLite{sqlDB: sqlDB}, nil
}

func applySQLiteMigrations(sqlDB *sql.DB) error {
	files, err := migrationFiles(migrations.FS, "sqlite")
	if err != nil {
		return err
	}
	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`, migrationTable)
	if _, err := sqlDB.Exec(createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, m := range files {
		var found int
		err := sqlDB.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", m.name).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}

		tx, err := sqlDB.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration transaction %s: %w", m.name, err)
		}
		if _, err := tx.Exec(m.up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
			m.name, toMillis(time.Now()),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("%w: storage is not configured", ErrUnavailable)
	}
	if err := s.sqlDB.PingContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) Append(ctx context.Context, r Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return Record{}, fmt.Errorf("%w: storage is not configured", ErrUnavailable)
	}
	r, err := prepare(r)
	if err != nil {
		return Record{}, err
	}
	// Stored precision is milliseconds.
	r.Timestamp = fromMillis(toMillis(r.Timestamp))

	var label sql.NullInt64
	if r.TrueLabel != nil {
		label = sql.NullInt64{Int64: int64(*r.TrueLabel), Valid: true}
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO predictions (timestamp, predicted_digit, true_label, confidence) VALUES (?, ?, ?, ?)`,
		toMillis(r.Timestamp), r.PredictedDigit, label, r.Confidence,
	)
	if err != nil {
		return Record{}, fmt.Errorf("append prediction: %w", classifySQLite(err))
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return Record{}, fmt.Errorf("append prediction: %w", classifySQLite(err))
	}
	return r, nil
}

func (s *SQLite) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("%w: storage is not configured", ErrUnavailable)
	}
	if limit <= 0 {
		return []Record{}, nil
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, timestamp, predicted_digit, true_label, confidence
		 FROM predictions
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", classifySQLite(err))
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r     Record
			ts    int64
			label sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &ts, &r.PredictedDigit, &label, &r.Confidence); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		r.Timestamp = fromMillis(ts)
		if label.Valid {
			v := int(label.Int64)
			r.TrueLabel = &v
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list predictions: %w", classifySQLite(err))
	}
	return records, nil
}
