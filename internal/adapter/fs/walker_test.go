package fs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"task2vec/internal/domain"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWalker_ItemsFromDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.jsonl"), `{"key":"SPR-2","text":"second"}`+"\n")
	writeFile(t, filepath.Join(root, "a.jsonl"), `{"key":"SPR-1","text":"first"}`+"\n\n"+`{"key":"SPR-3","text":"third"}`+"\n")
	writeFile(t, filepath.Join(root, "nested", "c.jsonl"), `{"key":"SPR-4","text":"fourth"}`)
	writeFile(t, filepath.Join(root, "archive", "old.jsonl"), `{"key":"OLD-1","text":"old"}`)
	writeFile(t, filepath.Join(root, "notes.txt"), "not a record")

	items, err := NewWalker(nil, []string{"archive/**"}).Items(root)
	require.NoError(t, err)

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	assert.Equal(t, []string{"SPR-1", "SPR-3", "SPR-2", "SPR-4"}, keys)
	assert.Equal(t, "third", items[1].Text)
}

func TestWalker_SingleFileRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	writeFile(t, path, `{"key":"K-1","text":"x"}`)

	items, err := NewWalker(nil, nil).Items(path)
	require.NoError(t, err)
	assert.Equal(t, []domain.Item{{Key: "K-1", Text: "x"}}, items)
}

func TestWalker_ItemErrorsNameTheLine(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bad.jsonl"), `{"key":"K-1","text":"ok"}`+"\n"+`{"text":"no key"}`)

	_, err := NewWalker(nil, nil).Items(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.jsonl:2")

	writeFile(t, filepath.Join(root, "bad.jsonl"), "{broken")
	_, err = NewWalker(nil, nil).Items(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.jsonl:1")
}

func TestReadRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	writeFile(t, path, strings.Join([]string{
		`{"key":"SPR-1","created":"2020-01-01T00:00:00.000+0000","resolved":"2020-01-02T00:00:00.000+0000","watches":3,"assignee":"juergen"}`,
		`{"key":"SPR-2","created":"2020-01-01T00:00:00.000+0000"}`,
	}, "\n"))

	records, err := ReadRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 3, records[0].Watches)
	assert.Equal(t, "juergen", records[0].Assignee)
	assert.Empty(t, records[1].Resolved)
}

func TestDecodeJSONL_LongLine(t *testing.T) {
	long := strings.Repeat("x", 1<<20)
	input := `{"key":"K-1","text":"` + long + `"}`

	var got []domain.Item
	err := DecodeJSONL(strings.NewReader(input), "stdin", func(it domain.Item) error {
		got = append(got, it)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Text, 1<<20)
}
