package predlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func label(v int) *int { return &v }

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	got, err := s.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("empty log = %#v, want empty non-nil slice", got)
	}

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	inputs := []Record{
		{Timestamp: base.Add(2 * time.Minute), PredictedDigit: 3, TrueLabel: label(3), Confidence: 0.91},
		{Timestamp: base, PredictedDigit: 7, TrueLabel: label(1), Confidence: 0.42},
		{Timestamp: base.Add(time.Minute), PredictedDigit: 0, Confidence: 1},
	}
	for _, in := range inputs {
		if _, err := s.Append(ctx, in); err != nil {
			t.Fatalf("append %+v: %v", in, err)
		}
	}

	appended, err := s.Append(ctx, Record{PredictedDigit: 5, TrueLabel: label(6), Confidence: 0.5})
	if err != nil {
		t.Fatalf("append now: %v", err)
	}
	if appended.Timestamp.IsZero() {
		t.Fatal("append did not stamp the record")
	}

	latest, err := s.ListRecent(ctx, 1)
	if err != nil {
		t.Fatalf("list 1: %v", err)
	}
	if len(latest) != 1 {
		t.Fatalf("list 1 returned %d records", len(latest))
	}
	l := latest[0]
	if l.ID != appended.ID || l.PredictedDigit != 5 || l.TrueLabel == nil || *l.TrueLabel != 6 || l.Confidence != 0.5 {
		t.Fatalf("latest = %+v, want %+v", l, appended)
	}
	if !l.Timestamp.Equal(appended.Timestamp) {
		t.Fatalf("latest timestamp = %s, want %s", l.Timestamp, appended.Timestamp)
	}

	all, err := s.ListRecent(ctx, 3)
	if err != nil {
		t.Fatalf("list 3: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("list 3 returned %d records", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Fatalf("records out of order at %d: %s after %s", i, all[i].Timestamp, all[i-1].Timestamp)
		}
	}
	if all[1].PredictedDigit != 3 || all[2].PredictedDigit != 0 {
		t.Fatalf("order = %d,%d,%d want 5,3,0", all[0].PredictedDigit, all[1].PredictedDigit, all[2].PredictedDigit)
	}
	if all[2].TrueLabel != nil {
		t.Fatalf("missing label read back as %d", *all[2].TrueLabel)
	}

	everything, err := s.ListRecent(ctx, 100)
	if err != nil {
		t.Fatalf("list 100: %v", err)
	}
	if len(everything) != 4 {
		t.Fatalf("list 100 returned %d records, want 4", len(everything))
	}
	if everything[3].PredictedDigit != 7 {
		t.Fatalf("oldest = %+v, want digit 7", everything[3])
	}

	if _, err := s.Append(ctx, Record{PredictedDigit: 10, Confidence: 0.5}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("append invalid digit err = %v, want ErrInvalidRecord", err)
	}
	if after, _ := s.ListRecent(ctx, 100); len(after) != 4 {
		t.Fatalf("invalid append was stored: %d records", len(after))
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "predictions.db"), time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	exerciseStore(t, s)
}

func TestSQLiteMemoryStore(t *testing.T) {
	s, err := OpenSQLite(":memory:", time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	exerciseStore(t, s)
}

func TestSQLiteReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictions.db")
	s, err := OpenSQLite(path, time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Append(context.Background(), Record{PredictedDigit: 4, Confidence: 0.8}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenSQLite(path, time.Second)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].PredictedDigit != 4 {
		t.Fatalf("records after reopen = %+v", got)
	}
}

func TestBoltStore(t *testing.T) {
	s, err := OpenBolt(filepath.Join(t.TempDir(), "predictions.bolt"), time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn, 5*time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.ensureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE predictions`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	exerciseStore(t, s)
}

func TestPostgresUnreachable(t *testing.T) {
	ctx := context.Background()
	s, err := OpenPostgres(ctx, "postgres://digits@127.0.0.1:1/mnist?sslmode=disable", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("open should be lazy: %v", err)
	}
	defer s.Close()

	if err := s.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("ping err = %v, want ErrUnavailable", err)
	}
	if _, err := s.Append(ctx, Record{PredictedDigit: 1, Confidence: 0.5}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("append err = %v, want ErrUnavailable", err)
	}
}

func TestOpenDispatch(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	tests := []struct {
		dsn  string
		want string
	}{
		{"sqlite:" + filepath.Join(dir, "a.db"), "sqlite"},
		{"sqlite://" + filepath.Join(dir, "b.db"), "sqlite"},
		{filepath.Join(dir, "c.db"), "sqlite"},
		{"bolt:" + filepath.Join(dir, "d.bolt"), "bolt"},
		{"postgres://digits@127.0.0.1:1/mnist", "postgres"},
		{"host=127.0.0.1 port=1 user=digits dbname=mnist", "postgres"},
	}
	for _, tt := range tests {
		s, err := Open(ctx, tt.dsn, time.Second)
		if err != nil {
			t.Fatalf("Open(%q): %v", tt.dsn, err)
		}
		var got string
		switch s.(type) {
		case *SQLite:
			got = "sqlite"
		case *Bolt:
			got = "bolt"
		case *Postgres:
			got = "postgres"
		}
		s.Close()
		if got != tt.want {
			t.Fatalf("Open(%q) backend = %s, want %s", tt.dsn, got, tt.want)
		}
	}

	if _, err := Open(ctx, "  ", time.Second); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name string
		r    Record
		ok   bool
	}{
		{"valid", Record{PredictedDigit: 9, TrueLabel: label(0), Confidence: 0}, true},
		{"no label", Record{PredictedDigit: 0, Confidence: 1}, true},
		{"negative digit", Record{PredictedDigit: -1, Confidence: 0.5}, false},
		{"label too large", Record{PredictedDigit: 1, TrueLabel: label(10), Confidence: 0.5}, false},
		{"confidence above one", Record{PredictedDigit: 1, Confidence: 1.01}, false},
		{"negative confidence", Record{PredictedDigit: 1, Confidence: -0.1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("err = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestExtractUp(t *testing.T) {
	got := extractUp("-- +migrate Up\nCREATE TABLE x (id INT);\n-- +migrate Down\nDROP TABLE x;\n")
	if got != "\nCREATE TABLE x (id INT);\n" {
		t.Fatalf("extractUp = %q", got)
	}
}

func TestClosedStoresAreUnavailable(t *testing.T) {
	dir := t.TempDir()
	sqliteStore, err := OpenSQLite(filepath.Join(dir, "closed.db"), time.Second)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	boltStore, err := OpenBolt(filepath.Join(dir, "closed.bolt"), time.Second)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}

	ctx := context.Background()
	for name, s := range map[string]Store{"sqlite": sqliteStore, "bolt": boltStore} {
		t.Run(name, func(t *testing.T) {
			if err := s.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if _, err := s.Append(ctx, Record{PredictedDigit: 2, Confidence: 0.4}); !errors.Is(err, ErrUnavailable) {
				t.Fatalf("append err = %v, want ErrUnavailable", err)
			}
			if _, err := s.ListRecent(ctx, 5); !errors.Is(err, ErrUnavailable) {
				t.Fatalf("list err = %v, want ErrUnavailable", err)
			}
			if err := s.Ping(ctx); !errors.Is(err, ErrUnavailable) {
				t.Fatalf("ping err = %v, want ErrUnavailable", err)
			}
		})
	}
}
