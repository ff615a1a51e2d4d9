package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"task2vec/internal/domain"
	"task2vec/internal/port"
)

// LabelFile is the outcome side table written by the label command.
type LabelFile struct {
	path   string
	labels map[string]bool
}

// NewLabelFile reads and writes the table at path. A non-empty labels list
// restricts which labels may appear in it.
func NewLabelFile(path string, labels []string) *LabelFile {
	f := &LabelFile{path: path}
	if len(labels) > 0 {
		f.labels = make(map[string]bool, len(labels))
		for _, l := range labels {
			f.labels[l] = true
		}
	}
	return f
}

func (f *LabelFile) Path() string { return f.path }

// LoadLabels reads the table. A missing file surfaces as fs.ErrNotExist.
func (f *LabelFile) LoadLabels() (*domain.LabelTable, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("label table: %w", err)
	}

	var table domain.LabelTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse label table %s: %w", f.path, err)
	}
	if table.Signals == nil {
		table.Signals = make(map[string]domain.Signal)
	}
	if f.labels != nil {
		for key, sig := range table.Signals {
			if !f.labels[sig.Label] {
				return nil, fmt.Errorf("label table %s: key %s has unknown label %q", f.path, key, sig.Label)
			}
		}
	}
	return &table, nil
}

// WriteLabels replaces the table atomically.
func (f *LabelFile) WriteLabels(table *domain.LabelTable) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode label table: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create label directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp label file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write label table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync label table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close label table: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace label table: %w", err)
	}
	return nil
}

// Open picks a metadata source by file extension: .json for a metadata list,
// anything else is read as a SQLite database. An empty path yields nil.
func Open(path, table string, summaryMax int) (port.MetadataSource, error) {
	if path == "" {
		return nil, nil
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return NewJSONSource(path, summaryMax), nil
	}
	src, err := NewSQLiteSource(path, table, summaryMax)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// LoadAll is a convenience wrapper that tolerates a nil source.
func LoadAll(ctx context.Context, src port.MetadataSource) (map[string]domain.Metadata, error) {
	if src == nil {
		return map[string]domain.Metadata{}, nil
	}
	return src.Load(ctx)
}
