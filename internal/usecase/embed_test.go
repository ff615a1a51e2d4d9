package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"task2vec/internal/adapter/embedding"
	"task2vec/internal/adapter/store"
	"task2vec/internal/domain"
)

// flakyEmbedder delegates to a mock and fails every call after the first okCalls.
type flakyEmbedder struct {
	*embedding.MockEmbedder
	okCalls int
	calls   atomic.Int64
	err     error
}

func (f *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if int(f.calls.Add(1)) > f.okCalls {
		return nil, f.err
	}
	return f.MockEmbedder.Embed(ctx, texts)
}

// shapedEmbedder returns whatever shape fn produces.
type shapedEmbedder struct {
	fn func(texts []string) [][]float32
}

func (s shapedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	return s.fn(texts), nil
}
func (s shapedEmbedder) Dimension() int    { return 0 }
func (s shapedEmbedder) ModelName() string { return "shaped" }

// blockingEmbedder waits for its context.
type blockingEmbedder struct{}

func (blockingEmbedder) Embed(ctx context.Context, _ []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (blockingEmbedder) Dimension() int    { return 4 }
func (blockingEmbedder) ModelName() string { return "blocking" }

func makeItems(n int) []domain.Item {
	items := make([]domain.Item, n)
	for i := range items {
		items[i] = domain.Item{Key: fmt.Sprintf("SPR-%03d", i), Text: fmt.Sprintf("ticket body %d", i)}
	}
	return items
}

func newPipeline(t *testing.T, path string, e interface {
	Embed(context.Context, []string) ([][]float32, error)
	Dimension() int
	ModelName() string
}, opts EmbedOptions) (*Pipeline, *store.VectorCache) {
	t.Helper()
	c, err := store.Load(path, store.Strict)
	require.NoError(t, err)
	return NewPipeline(c, e, NewCheckpointer(c, path, nil, nil), opts, nil), c
}

func TestEnsureEmbedded_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	mock := embedding.NewMockEmbedder(8)
	p, _ := newPipeline(t, path, mock, EmbedOptions{BatchSize: 3, CheckpointEvery: 4})
	items := makeItems(10)

	keys, m, err := p.EnsureEmbedded(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 4, mock.Calls())
	assert.Len(t, keys, 10)
	assert.Equal(t, 10, m.Rows())

	keys2, m2, err := p.EnsureEmbedded(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 4, mock.Calls(), "second run must not call the embedder")
	assert.Equal(t, keys, keys2)
	assert.Equal(t, m, m2)

	// a fresh process reading the same file also has nothing to do
	p3, _ := newPipeline(t, path, mock, EmbedOptions{BatchSize: 3})
	_, _, res, err := p3.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Zero(t, res.Missing)
	assert.Equal(t, 4, mock.Calls())
}

func TestEnsureEmbedded_OnlyMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	mock := embedding.NewMockEmbedder(8)
	p, c := newPipeline(t, path, mock, EmbedOptions{BatchSize: 100})

	_, _, err := p.EnsureEmbedded(context.Background(), makeItems(5))
	require.NoError(t, err)
	require.Equal(t, 5, c.Len())

	_, _, res, err := p.Run(context.Background(), makeItems(8))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Missing)
	assert.Equal(t, 3, res.Embedded)
	assert.Equal(t, 8, c.Len())
}

func TestEnsureEmbedded_ForceSaveReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	old := store.New(store.Strict)
	old.SetModel("old-model")
	require.NoError(t, old.Add([]string{"SPR-1"}, [][]float32{{1, 0, 0, 0}}))
	require.NoError(t, old.Save(path))

	// nothing requested, so nothing embedded and no checkpoint
	fresh := store.New(store.Strict)
	fresh.SetModel("mock")
	p := NewPipeline(fresh, embedding.NewMockEmbedder(4), NewCheckpointer(fresh, path, nil, nil), EmbedOptions{}, nil)
	_, _, err := p.EnsureEmbedded(context.Background(), nil)
	require.NoError(t, err)

	info, err := store.ReadSchemaInfo(path)
	require.NoError(t, err)
	assert.Equal(t, "old-model", info.Model, "without ForceSave the file is untouched")

	p = NewPipeline(fresh, embedding.NewMockEmbedder(4), NewCheckpointer(fresh, path, nil, nil), EmbedOptions{ForceSave: true}, nil)
	_, _, err = p.EnsureEmbedded(context.Background(), nil)
	require.NoError(t, err)

	info, err = store.ReadSchemaInfo(path)
	require.NoError(t, err)
	assert.Equal(t, "mock", info.Model)
	assert.Zero(t, info.Count)

	reloaded, err := store.Load(path, store.Strict)
	require.NoError(t, err)
	assert.Zero(t, reloaded.Len())
}

func TestEnsureEmbedded_RepeatedKeysEmbeddedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	mock := embedding.NewMockEmbedder(8)
	p, c := newPipeline(t, path, mock, EmbedOptions{BatchSize: 10})

	items := []domain.Item{{Key: "A", Text: "first"}, {Key: "A", Text: "second"}, {Key: "B", Text: "b"}}
	keys, m, err := p.EnsureEmbedded(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "A", "B"}, keys)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, m.Row(0), m.Row(1))

	want, err := mock.Embed(context.Background(), []string{"first"})
	require.NoError(t, err)
	assert.Equal(t, want[0], m.Row(0), "first text wins")
}

func TestEnsureEmbedded_CrashSafeForEveryCheckpoint(t *testing.T) {
	items := makeItems(11)
	opts := EmbedOptions{BatchSize: 2, CheckpointEvery: 2}
	checkpoints := 6

	refPath := filepath.Join(t.TempDir(), "ref.db")
	ref, refCache := newPipeline(t, refPath, embedding.NewMockEmbedder(16), opts)
	_, _, err := ref.EnsureEmbedded(context.Background(), items)
	require.NoError(t, err)
	wantKeys, wantVecs := refCache.All()

	for n := 0; n < checkpoints; n++ {
		t.Run(fmt.Sprintf("after_%d_checkpoints", n), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vectors.db")
			flaky := &flakyEmbedder{
				MockEmbedder: embedding.NewMockEmbedder(16),
				okCalls:      n,
				err:          errors.New("connection reset"),
			}
			p, _ := newPipeline(t, path, flaky, opts)
			_, _, err := p.EnsureEmbedded(context.Background(), items)
			var failed *EmbeddingFailedError
			require.ErrorAs(t, err, &failed)

			onDisk, err := store.Load(path, store.Strict)
			require.NoError(t, err)
			assert.Equal(t, 2*n, onDisk.Len())

			resumed, c := newPipeline(t, path, embedding.NewMockEmbedder(16), opts)
			_, _, res, err := resumed.Run(context.Background(), items)
			require.NoError(t, err)
			assert.Equal(t, len(items)-2*n, res.Missing)

			gotKeys, gotVecs := c.All()
			assert.Equal(t, wantKeys, gotKeys)
			assert.Equal(t, wantVecs, gotVecs)

			final, err := store.Load(path, store.Strict)
			require.NoError(t, err)
			k, v := final.All()
			assert.Equal(t, wantKeys, k)
			assert.Equal(t, wantVecs, v)
		})
	}
}

func TestEnsureEmbedded_FailureDiscardsPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	flaky := &flakyEmbedder{
		MockEmbedder: embedding.NewMockEmbedder(8),
		okCalls:      1,
		err:          errors.New("boom"),
	}
	p, c := newPipeline(t, path, flaky, EmbedOptions{BatchSize: 2, CheckpointEvery: 4})

	_, _, err := p.EnsureEmbedded(context.Background(), makeItems(6))
	var failed *EmbeddingFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, []string{"SPR-002", "SPR-003"}, failed.Keys)
	assert.False(t, failed.Retryable)

	assert.Zero(t, c.Len(), "unflushed batch must not reach the cache")
	info, err := store.ReadSchemaInfo(path)
	require.NoError(t, err)
	assert.Nil(t, info, "no checkpoint was due, nothing may be written")
}

func TestEnsureEmbedded_MalformedProviderOutput(t *testing.T) {
	cases := []struct {
		name string
		fn   func(texts []string) [][]float32
	}{
		{"too few rows", func(texts []string) [][]float32 { return make([][]float32, len(texts)-1) }},
		{"empty row", func(texts []string) [][]float32 {
			out := make([][]float32, len(texts))
			for i := range out {
				out[i] = []float32{1, 2}
			}
			out[1] = nil
			return out
		}},
		{"ragged rows", func(texts []string) [][]float32 {
			out := make([][]float32, len(texts))
			for i := range out {
				out[i] = make([]float32, 2+i)
				out[i][0] = 1
			}
			return out
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vectors.db")
			p, c := newPipeline(t, path, shapedEmbedder{fn: tc.fn}, EmbedOptions{BatchSize: 3, CheckpointEvery: 1})

			_, _, err := p.EnsureEmbedded(context.Background(), makeItems(3))
			var failed *EmbeddingFailedError
			require.ErrorAs(t, err, &failed)
			assert.False(t, failed.Retryable)
			assert.Zero(t, c.Len())
		})
	}
}

func TestEnsureEmbedded_BatchTimeoutIsRetryable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	p, c := newPipeline(t, path, blockingEmbedder{}, EmbedOptions{BatchSize: 2, BatchTimeout: 20 * time.Millisecond})

	_, _, err := p.EnsureEmbedded(context.Background(), makeItems(2))
	var failed *EmbeddingFailedError
	require.ErrorAs(t, err, &failed)
	assert.True(t, failed.Retryable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.Len())
}

func TestEnsureEmbedded_CancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	mock := embedding.NewMockEmbedder(8)
	p, _ := newPipeline(t, path, mock, EmbedOptions{BatchSize: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := p.EnsureEmbedded(ctx, makeItems(4))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, mock.Calls())
}

func TestEnsureEmbedded_Progress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	p, _ := newPipeline(t, path, embedding.NewMockEmbedder(8), EmbedOptions{BatchSize: 4})

	var seen [][2]int
	p.OnProgress(func(done, total int) { seen = append(seen, [2]int{done, total}) })
	_, _, err := p.EnsureEmbedded(context.Background(), makeItems(10))
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{4, 10}, {8, 10}, {10, 10}}, seen)
}

func TestCheckpointer_SaveFailureRollsBack(t *testing.T) {
	missingDir := filepath.Join(t.TempDir(), "does", "not", "exist", "vectors.db")
	c := store.New(store.Strict)
	ckpt := NewCheckpointer(c, missingDir, nil, nil)

	err := ckpt.Flush([]string{"A"}, [][]float32{{1, 0}})
	require.Error(t, err)
	assert.Zero(t, c.Len())
	assert.False(t, c.Has("A"))

	// the rolled-back key can be added again once saving works
	ok := NewCheckpointer(c, filepath.Join(t.TempDir(), "vectors.db"), nil, nil)
	require.NoError(t, ok.Flush([]string{"A"}, [][]float32{{1, 0}}))
	assert.Equal(t, 1, c.Len())
}

func TestCheckpointer_RecordsJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	lock, err := store.AcquireWriterLock(path, time.Second)
	require.NoError(t, err)
	defer lock.Release()
	_, err = lock.BeginRun("mock", 0)
	require.NoError(t, err)

	c := store.New(store.Strict)
	ckpt := NewCheckpointer(c, path, lock, nil)
	require.NoError(t, ckpt.Flush([]string{"A", "B"}, [][]float32{{1, 0}, {0, 1}}))
	require.NoError(t, ckpt.Flush([]string{"C"}, [][]float32{{1, 1}}))

	run := lock.Run()
	assert.Equal(t, 3, run.Flushed)
	assert.Equal(t, 2, run.Checkpoints)
	assert.Equal(t, 3, run.CacheRows)
}

func TestEmbeddingFailedError_Message(t *testing.T) {
	err := &EmbeddingFailedError{Keys: []string{"K-1", "K-2"}, Retryable: true, Err: errors.New("429")}
	assert.Contains(t, err.Error(), "retryable")
	assert.Contains(t, err.Error(), "K-1")
	assert.Contains(t, err.Error(), "2 keys")
}
