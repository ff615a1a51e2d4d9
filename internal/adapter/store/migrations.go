package store

import (
	"encoding/binary"
	"fmt"
	"os"

	"go.etcd.io/bbolt"
)

// CurrentSchemaVersion is the current snapshot schema version.
// Increment this when making breaking changes to the storage format.
const CurrentSchemaVersion = 1

var keySchemaVersion = []byte("schema_version")

// SchemaInfo is the snapshot header stored in the meta bucket.
type SchemaInfo struct {
	Version int
	Dim     int
	Count   int
	Model   string
}

// ReadSchemaInfo reads only the header of a snapshot. A missing file returns nil.
func ReadSchemaInfo(path string) (*SchemaInfo, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true, Timeout: openTimeout})
	if err != nil {
		if isFormatError(err) {
			return nil, &CorruptCacheError{Path: path, Reason: err.Error()}
		}
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	defer db.Close()

	var info *SchemaInfo
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return &CorruptCacheError{Path: path, Reason: "missing bucket"}
		}
		info = readSchemaInfo(b)
		return nil
	})
	return info, err
}

func readSchemaInfo(b *bbolt.Bucket) *SchemaInfo {
	return &SchemaInfo{
		Version: getInt(b, keySchemaVersion),
		Dim:     getInt(b, keyDim),
		Count:   getInt(b, keyCount),
		Model:   string(b.Get(keyModel)),
	}
}

func writeSchemaInfo(b *bbolt.Bucket, info *SchemaInfo) error {
	if err := putInt(b, keySchemaVersion, info.Version); err != nil {
		return err
	}
	if err := putInt(b, keyDim, info.Dim); err != nil {
		return err
	}
	if err := putInt(b, keyCount, info.Count); err != nil {
		return err
	}
	return b.Put(keyModel, []byte(info.Model))
}

func getInt(b *bbolt.Bucket, key []byte) int {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(v))
}

func putInt(b *bbolt.Bucket, key []byte, n int) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(n))
	return b.Put(key, v)
}

// MigrationResult describes the result of a compatibility check.
type MigrationResult struct {
	NeedsRebuild bool
	OldVersion   int
	NewVersion   int
	Reason       string
}

// CheckCompatibility decides whether an existing snapshot can be extended with
// vectors from model. Mixing models in one cache makes similarities meaningless.
func CheckCompatibility(info *SchemaInfo, model string) *MigrationResult {
	result := &MigrationResult{NewVersion: CurrentSchemaVersion}
	if info == nil {
		return result
	}
	result.OldVersion = info.Version

	switch {
	case info.Version > CurrentSchemaVersion:
		result.NeedsRebuild = true
		result.Reason = fmt.Sprintf("cache created by newer version (v%d > v%d)", info.Version, CurrentSchemaVersion)
	case info.Model != "" && model != "" && info.Model != model:
		result.NeedsRebuild = true
		result.Reason = fmt.Sprintf("embedding model changed (%s -> %s)", info.Model, model)
	}
	return result
}
