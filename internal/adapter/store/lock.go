package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var bucketRuns = []byte("runs")

// RunRecord is the journal entry for one pipeline run.
type RunRecord struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Flushed     int       `json:"flushed"`
	Checkpoints int       `json:"checkpoints"`
	CacheRows   int       `json:"cache_rows"`
	Completed   bool      `json:"completed"`
}

// WriterLock is the single-writer guard for a cache file. It is a small bbolt
// journal at <cache>.lock; bbolt's exclusive flock provides the mutual exclusion.
type WriterLock struct {
	db  *bbolt.DB
	seq []byte
	run RunRecord
}

// AcquireWriterLock takes the writer lock for cachePath, waiting up to timeout.
func AcquireWriterLock(cachePath string, timeout time.Duration) (*WriterLock, error) {
	if timeout <= 0 {
		timeout = time.Nanosecond
	}
	db, err := bbolt.Open(cachePath+".lock", 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrCacheLocked, cachePath)
		}
		return nil, fmt.Errorf("failed to open lock journal: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init lock journal: %w", err)
	}

	return &WriterLock{db: db}, nil
}

// BeginRun opens a new journal entry and returns its id.
func (l *WriterLock) BeginRun(model string, cacheRows int) (string, error) {
	now := time.Now().UTC()
	l.run = RunRecord{
		ID:        uuid.NewString(),
		Model:     model,
		StartedAt: now,
		UpdatedAt: now,
		CacheRows: cacheRows,
	}

	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		l.seq = rowID(int(seq))
		return l.put(b)
	})
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	return l.run.ID, nil
}

// RecordCheckpoint stores the last flushed position of the current run.
func (l *WriterLock) RecordCheckpoint(flushed, cacheRows int) error {
	l.run.Flushed += flushed
	l.run.Checkpoints++
	l.run.CacheRows = cacheRows
	return l.update()
}

// Complete marks the current run finished.
func (l *WriterLock) Complete() error {
	l.run.Completed = true
	return l.update()
}

// Run returns the in-progress journal entry.
func (l *WriterLock) Run() RunRecord {
	return l.run
}

// LastRun returns the most recent journal entry, or nil when the journal is empty.
func (l *WriterLock) LastRun() (*RunRecord, error) {
	return lastRun(l.db)
}

// ReadLastRun reads the journal of cachePath without taking the writer lock
// and without creating the journal. It returns nil when there is no journal
// and ErrCacheLocked while a writer holds it.
func ReadLastRun(cachePath string, timeout time.Duration) (*RunRecord, error) {
	path := cachePath + ".lock"
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if timeout <= 0 {
		timeout = time.Nanosecond
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true, Timeout: timeout})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrCacheLocked, cachePath)
		}
		return nil, fmt.Errorf("failed to open lock journal: %w", err)
	}
	defer db.Close()
	return lastRun(db)
}

func lastRun(db *bbolt.DB) (*RunRecord, error) {
	var rec *RunRecord
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return nil
		}
		_, v := b.Cursor().Last()
		if v == nil {
			return nil
		}
		rec = &RunRecord{}
		return json.Unmarshal(v, rec)
	})
	return rec, err
}

// Release drops the lock.
func (l *WriterLock) Release() error {
	return l.db.Close()
}

func (l *WriterLock) update() error {
	if l.seq == nil {
		return errors.New("no run in progress")
	}
	l.run.UpdatedAt = time.Now().UTC()
	return l.db.Update(func(tx *bbolt.Tx) error {
		return l.put(tx.Bucket(bucketRuns))
	})
}

func (l *WriterLock) put(b *bbolt.Bucket) error {
	data, err := json.Marshal(l.run)
	if err != nil {
		return err
	}
	return b.Put(l.seq, data)
}
