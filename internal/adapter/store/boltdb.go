package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketMeta    = []byte("meta")
	bucketKeys    = []byte("keys")
	bucketVectors = []byte("vectors")

	keyDim   = []byte("dim")
	keyCount = []byte("count")
	keyModel = []byte("model")
)

const openTimeout = time.Second

// Load reads a snapshot fully into memory. A missing file yields an empty cache.
func Load(path string, mode Mode) (*VectorCache, error) {
	c := New(mode)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to stat cache: %w", err)
	}
	if info.Size() == 0 {
		return nil, &CorruptCacheError{Path: path, Reason: "empty file"}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true, Timeout: openTimeout})
	if err != nil {
		if isFormatError(err) {
			return nil, &CorruptCacheError{Path: path, Reason: err.Error()}
		}
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	defer db.Close()

	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		keys := tx.Bucket(bucketKeys)
		vecs := tx.Bucket(bucketVectors)
		if meta == nil || keys == nil || vecs == nil {
			return &CorruptCacheError{Path: path, Reason: "missing bucket"}
		}

		schema := readSchemaInfo(meta)
		if schema.Version > CurrentSchemaVersion {
			return fmt.Errorf("%w: file is v%d, reader is v%d", ErrIncompatibleSchema, schema.Version, CurrentSchemaVersion)
		}

		nKeys, nVecs := keys.Stats().KeyN, vecs.Stats().KeyN
		if nKeys != nVecs {
			return &CorruptCacheError{Path: path, Reason: fmt.Sprintf("stored %d keys but %d vectors", nKeys, nVecs)}
		}
		if nKeys != schema.Count {
			return &CorruptCacheError{Path: path, Reason: fmt.Sprintf("header count %d, found %d rows", schema.Count, nKeys)}
		}
		if nKeys > 0 && schema.Dim <= 0 {
			return &CorruptCacheError{Path: path, Reason: "missing vector width"}
		}

		c.dim = schema.Dim
		c.model = schema.Model
		c.keys = make([]string, 0, nKeys)
		c.index = make(map[string]int, nKeys)
		c.data = make([]float32, 0, nKeys*schema.Dim)

		kc, vc := keys.Cursor(), vecs.Cursor()
		kk, kv := kc.First()
		vk, vv := vc.First()
		for ; kk != nil && vk != nil; kk, kv = kc.Next() {
			if !bytes.Equal(kk, vk) {
				return &CorruptCacheError{Path: path, Reason: fmt.Sprintf("row %d has no aligned vector", binary.BigEndian.Uint64(kk))}
			}
			if len(vv) != schema.Dim*4 {
				return &CorruptCacheError{Path: path, Reason: fmt.Sprintf("row %d: vector width %d, want %d", len(c.keys), len(vv)/4, schema.Dim)}
			}
			key := string(kv)
			if _, dup := c.index[key]; dup {
				return &CorruptCacheError{Path: path, Reason: fmt.Sprintf("duplicate key %q", key)}
			}
			c.index[key] = len(c.keys)
			c.keys = append(c.keys, key)
			c.data = appendVector(c.data, vv)

			vk, vv = vc.Next()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Save writes a complete snapshot next to path and renames it into place.
// On any failure the temp file is removed and the previous file is untouched.
func (c *VectorCache) Save(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := c.writeSnapshot(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	syncDir(dir)
	return nil
}

func (c *VectorCache) writeSnapshot(path string) error {
	// bbolt initialises a zero-length file as a fresh database.
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		keys, err := tx.CreateBucket(bucketKeys)
		if err != nil {
			return err
		}
		vecs, err := tx.CreateBucket(bucketVectors)
		if err != nil {
			return err
		}
		// Sequential inserts: pack pages full.
		keys.FillPercent = 1.0
		vecs.FillPercent = 1.0

		for i, k := range c.keys {
			id := rowID(i)
			if err := keys.Put(id, []byte(k)); err != nil {
				return err
			}
			if err := vecs.Put(id, encodeVector(c.row(i))); err != nil {
				return err
			}
		}

		return writeSchemaInfo(meta, &SchemaInfo{
			Version: CurrentSchemaVersion,
			Dim:     c.dim,
			Count:   len(c.keys),
			Model:   c.model,
		})
	})
	if err != nil {
		db.Close()
		return err
	}
	return db.Close()
}

func rowID(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	return b
}

func encodeVector(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func appendVector(dst []float32, b []byte) []float32 {
	for i := 0; i+4 <= len(b); i += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
	}
	return dst
}

func isFormatError(err error) bool {
	return errors.Is(err, bbolt.ErrInvalid) ||
		errors.Is(err, bbolt.ErrVersionMismatch) ||
		errors.Is(err, bbolt.ErrChecksum)
}

// syncDir flushes the directory entry after a rename. Best effort.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
