package store

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "none.db"), Strict)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, Strict, c.Mode())
}

func TestSaveLoad_RoundTripBitExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.db")

	vectors := [][]float32{
		{1, 0, -0},
		{float32(math.Pi), math.SmallestNonzeroFloat32, math.MaxFloat32},
		{float32(math.Inf(-1)), 1e-38, -2.5},
	}
	c := New(Strict)
	c.SetModel("text-embedding-3-large")
	require.NoError(t, c.Add([]string{"SPR-1", "SPR-2", "HBASE-3"}, vectors))
	require.NoError(t, c.Save(path))

	loaded, err := Load(path, Strict)
	require.NoError(t, err)

	wantKeys, want := c.All()
	gotKeys, got := loaded.All()
	assert.Equal(t, wantKeys, gotKeys)
	assert.Equal(t, "text-embedding-3-large", loaded.Model())
	assert.Equal(t, 3, loaded.Dim())
	require.Len(t, got.Data, len(want.Data))
	for i := range want.Data {
		assert.Equal(t, math.Float32bits(want.Data[i]), math.Float32bits(got.Data[i]), "element %d", i)
	}
}

func TestSave_EmptyCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.db")
	require.NoError(t, New(Strict).Save(path))

	loaded, err := Load(path, Strict)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Len())
}

func TestSave_ReplacesAndLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "embeddings.db")

	c := New(Strict)
	require.NoError(t, c.Add([]string{"A"}, [][]float32{{1, 0}}))
	require.NoError(t, c.Save(path))
	require.NoError(t, c.Add([]string{"B"}, [][]float32{{0, 1}}))
	require.NoError(t, c.Save(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "embeddings.db", entries[0].Name())

	loaded, err := Load(path, Strict)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
}

func TestSave_FailureKeepsPreviousFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "embeddings.db")

	c := New(Strict)
	require.NoError(t, c.Add([]string{"A"}, [][]float32{{1, 0}}))
	require.NoError(t, c.Save(path))

	// destination directory that does not exist: temp file creation fails
	err := c.Save(filepath.Join(dir, "missing", "embeddings.db"))
	assert.Error(t, err)

	loaded, err := Load(path, Strict)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())
}

func TestLoad_Corrupt(t *testing.T) {
	tests := []struct {
		name  string
		write func(t *testing.T, path string)
	}{
		{
			name: "empty file",
			write: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, nil, 0600))
			},
		},
		{
			name: "not a snapshot",
			write: func(t *testing.T, path string) {
				garbage := make([]byte, 1<<16)
				for i := range garbage {
					garbage[i] = byte(i * 7)
				}
				require.NoError(t, os.WriteFile(path, garbage, 0600))
			},
		},
		{
			name: "key count differs from vector count",
			write: func(t *testing.T, path string) {
				writeRaw(t, path, 2, 2, map[int]string{0: "A", 1: "B"}, map[int][]float32{0: {1, 0}})
			},
		},
		{
			name: "inconsistent width",
			write: func(t *testing.T, path string) {
				writeRaw(t, path, 2, 2, map[int]string{0: "A", 1: "B"}, map[int][]float32{0: {1, 0}, 1: {1, 0, 0}})
			},
		},
		{
			name: "duplicate key",
			write: func(t *testing.T, path string) {
				writeRaw(t, path, 2, 2, map[int]string{0: "A", 1: "A"}, map[int][]float32{0: {1, 0}, 1: {0, 1}})
			},
		},
		{
			name: "header count disagrees",
			write: func(t *testing.T, path string) {
				writeRaw(t, path, 5, 2, map[int]string{0: "A"}, map[int][]float32{0: {1, 0}})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "embeddings.db")
			tt.write(t, path)

			_, err := Load(path, Strict)

			var corrupt *CorruptCacheError
			require.True(t, errors.As(err, &corrupt), "got %v", err)
			assert.Equal(t, path, corrupt.Path)
		})
	}
}

func TestLoad_NewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.db")
	writeRawVersion(t, path, CurrentSchemaVersion+1, 0, 0, nil, nil)

	_, err := Load(path, Strict)
	assert.ErrorIs(t, err, ErrIncompatibleSchema)
}

func writeRaw(t *testing.T, path string, count, dim int, keys map[int]string, vectors map[int][]float32) {
	writeRawVersion(t, path, CurrentSchemaVersion, count, dim, keys, vectors)
}

func writeRawVersion(t *testing.T, path string, version, count, dim int, keys map[int]string, vectors map[int][]float32) {
	t.Helper()
	db, err := bbolt.Open(path, 0600, nil)
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, _ := tx.CreateBucket(bucketMeta)
		kb, _ := tx.CreateBucket(bucketKeys)
		vb, _ := tx.CreateBucket(bucketVectors)
		for row, k := range keys {
			if err := kb.Put(rowID(row), []byte(k)); err != nil {
				return err
			}
		}
		for row, v := range vectors {
			if err := vb.Put(rowID(row), encodeVector(v)); err != nil {
				return err
			}
		}
		return writeSchemaInfo(meta, &SchemaInfo{Version: version, Dim: dim, Count: count})
	})
	require.NoError(t, err)
}
