package metadata

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"task2vec/internal/domain"
)

func TestSQLiteSource_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickets.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE tickets (key TEXT PRIMARY KEY, summary TEXT, assignee_id TEXT, created TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO tickets VALUES
		('SPR-1', ?, 'alice', '2019-03-02T10:00:00.000+0000'),
		('SPR-2', 'short', NULL, NULL)`, strings.Repeat("é", 250))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	src, err := NewSQLiteSource(path, "", 0)
	require.NoError(t, err)
	meta, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, meta, 2)

	assert.Equal(t, SummaryMaxRunes, len([]rune(meta["SPR-1"].Summary)))
	assert.Equal(t, "alice", meta["SPR-1"].Assignee)
	assert.Equal(t, 2019, meta["SPR-1"].Year)
	assert.Equal(t, -1, meta["SPR-1"].Cluster)

	assert.Equal(t, "short", meta["SPR-2"].Summary)
	assert.Empty(t, meta["SPR-2"].Assignee)
	assert.Zero(t, meta["SPR-2"].Year)
}

func TestSQLiteSource_MissingFileIsNotCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.db")
	src, err := NewSQLiteSource(path, "tickets", 0)
	require.NoError(t, err)

	_, err = src.Load(context.Background())
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSQLiteSource_RejectsBadTableName(t *testing.T) {
	_, err := NewSQLiteSource("x.db", "tickets; DROP TABLE tickets", 0)
	assert.Error(t, err)
}

func TestJSONSource_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search_meta.json")
	body := `[
		{"key": "HBASE-1", "summary": "region server crash", "assignee": "bob", "year": 2014, "cluster": 3, "x": 1.5, "y": -2, "priority": "Major", "votes": 4},
		{"key": "HBASE-2", "summary": "typo", "cluster": null},
		{"summary": "no key"}
	]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	meta, err := NewJSONSource(path, 0).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, meta, 2)

	m := meta["HBASE-1"]
	assert.Equal(t, "bob", m.Assignee)
	assert.Equal(t, 2014, m.Year)
	assert.Equal(t, 3, m.Cluster)
	require.NotNil(t, m.Pos)
	assert.Equal(t, domain.Position{X: 1.5, Y: -2}, *m.Pos)
	assert.Equal(t, map[string]string{"priority": "Major", "votes": "4"}, m.Attrs)

	assert.Equal(t, -1, meta["HBASE-2"].Cluster)
	assert.Nil(t, meta["HBASE-2"].Pos)
}

func TestLabelFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels", "outcome_cache.json")
	f := NewLabelFile(path, []string{"Automate", "Assist", "Escalate"})

	table := &domain.LabelTable{
		Calibration: domain.Calibration{P33Days: 1.9, P67Days: 29.5, P75Assignee: 136},
		Signals: map[string]domain.Signal{
			"A": {Label: "Automate", Days: 0.5, Watches: 1, AssigneeExp: 0.01},
			"C": {Label: "Escalate", Days: 40, Watches: 9, AssigneeExp: 1},
		},
	}
	require.NoError(t, f.WriteLabels(table))

	got, err := f.LoadLabels()
	require.NoError(t, err)
	assert.Equal(t, table, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestLabelFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := NewLabelFile(filepath.Join(dir, "missing.json"), nil).LoadLabels()
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"signals":{"A":{"label":"Panic"}}}`), 0o644))
	_, err = NewLabelFile(bad, []string{"Automate", "Assist", "Escalate"}).LoadLabels()
	assert.ErrorContains(t, err, "Panic")

	// without an enumeration any label is accepted
	table, err := NewLabelFile(bad, nil).LoadLabels()
	require.NoError(t, err)
	assert.Equal(t, "Panic", table.Signals["A"].Label)
}

func TestOpen(t *testing.T) {
	src, err := Open("", "", 0)
	require.NoError(t, err)
	assert.Nil(t, src)

	src, err = Open("meta.JSON", "", 0)
	require.NoError(t, err)
	assert.IsType(t, &JSONSource{}, src)

	src, err = Open("tickets.db", "tickets", 0)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteSource{}, src)

	meta, err := LoadAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, meta)
}
