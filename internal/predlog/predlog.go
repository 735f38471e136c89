// Package predlog persists predictions together with the label the user
// says was correct. The log is append-only and read newest first.
package predlog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrUnavailable means the backing store could not be reached.
	ErrUnavailable = errors.New("prediction store unavailable")
	// ErrInvalidRecord is returned for out-of-range digits, labels or
	// confidences.
	ErrInvalidRecord = errors.New("invalid prediction record")
)

// Record is one logged prediction. TrueLabel is nil when the user did not
// supply a correction.
type Record struct {
	ID             int64     `json:"-"`
	Timestamp      time.Time `json:"timestamp"`
	PredictedDigit int       `json:"predicted_digit"`
	TrueLabel      *int      `json:"true_label"`
	Confidence     float64   `json:"confidence"`
}

// Validate checks the value ranges the schema enforces.
func (r Record) Validate() error {
	if r.PredictedDigit < 0 || r.PredictedDigit > 9 {
		return fmt.Errorf("%w: predicted digit %d", ErrInvalidRecord, r.PredictedDigit)
	}
	if r.TrueLabel != nil && (*r.TrueLabel < 0 || *r.TrueLabel > 9) {
		return fmt.Errorf("%w: true label %d", ErrInvalidRecord, *r.TrueLabel)
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v", ErrInvalidRecord, r.Confidence)
	}
	return nil
}

// Store is the prediction log. Each call is one independent statement.
type Store interface {
	// Append stores r, stamping it with the current time when r.Timestamp
	// is zero, and returns the stored record.
	Append(ctx context.Context, r Record) (Record, error)
	// ListRecent returns at most limit records, newest first.
	ListRecent(ctx context.Context, limit int) ([]Record, error)
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Open picks the backend from dsn: PostgreSQL URLs or key=value strings go
// to PostgreSQL, "bolt:" paths to BoltDB, "sqlite:" prefixed or bare paths to
// SQLite. timeout bounds each connection attempt.
func Open(ctx context.Context, dsn string, timeout time.Duration) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, errors.New("store dsn is required")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return OpenPostgres(ctx, dsn, timeout)
	case strings.HasPrefix(dsn, "bolt://"):
		return OpenBolt(strings.TrimPrefix(dsn, "bolt://"), timeout)
	case strings.HasPrefix(dsn, "bolt:"):
		return OpenBolt(strings.TrimPrefix(dsn, "bolt:"), timeout)
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"), timeout)
	case strings.HasPrefix(dsn, "sqlite:"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite:"), timeout)
	default:
		return OpenSQLite(dsn, timeout)
	}
}

func prepare(r Record) (Record, error) {
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.Timestamp = r.Timestamp.UTC()
	return r, nil
}
