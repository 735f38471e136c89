package predlog

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/boltdb/bolt"
)

var predictionsBucket = []byte("predictions")

// Bolt keeps the log in an embedded key/value file, one gob-encoded record
// per bucket sequence number.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens the file at path. timeout bounds the wait for the file
// lock held by another process.
func OpenBolt(path string, timeout time.Duration) (*Bolt, error) {
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt db: %v", ErrUnavailable, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(predictionsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create predictions bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Bolt) Ping(ctx context.Context) error {
	if b == nil || b.db == nil {
		return fmt.Errorf("%w: storage is not configured", ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return classifyBolt(b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(predictionsBucket) == nil {
			return fmt.Errorf("%w: predictions bucket missing", ErrUnavailable)
		}
		return nil
	}))
}

func (b *Bolt) Append(ctx context.Context, r Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if b == nil || b.db == nil {
		return Record{}, fmt.Errorf("%w: storage is not configured", ErrUnavailable)
	}
	r, err := prepare(r)
	if err != nil {
		return Record{}, err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(predictionsBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		r.ID = int64(seq)

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(r); err != nil {
			return err
		}
		return bucket.Put(itob(seq), buf.Bytes())
	})
	if err != nil {
		return Record{}, fmt.Errorf("append prediction: %w", classifyBolt(err))
	}
	return r, nil
}

// ListRecent scans the bucket; keys are insertion order, not timestamp
// order, so records are sorted before the limit is applied.
func (b *Bolt) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b == nil || b.db == nil {
		return nil, fmt.Errorf("%w: storage is not configured", ErrUnavailable)
	}
	if limit <= 0 {
		return []Record{}, nil
	}

	var records []Record
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(predictionsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r Record
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&r); err != nil {
				return fmt.Errorf("decode prediction %d: %w", binary.BigEndian.Uint64(k), err)
			}
			r.ID = int64(binary.BigEndian.Uint64(k))
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", classifyBolt(err))
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return records[i].ID > records[j].ID
	})
	if len(records) > limit {
		records = records[:limit]
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// classifyBolt marks a closed or locked database file as unavailable.
func classifyBolt(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTimeout) ||
		errors.Is(err, bolt.ErrDatabaseReadOnly) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
