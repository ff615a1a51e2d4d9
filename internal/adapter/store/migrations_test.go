package store

import (
	"path/filepath"
	"testing"
)

func TestCheckCompatibility(t *testing.T) {
	tests := []struct {
		name        string
		info        *SchemaInfo
		model       string
		wantRebuild bool
	}{
		{"no file", nil, "text-embedding-3-large", false},
		{"same model", &SchemaInfo{Version: 1, Model: "text-embedding-3-large"}, "text-embedding-3-large", false},
		{"unrecorded model", &SchemaInfo{Version: 1}, "voyage-3", false},
		{"model changed", &SchemaInfo{Version: 1, Model: "text-embedding-3-large"}, "voyage-3", true},
		{"newer schema", &SchemaInfo{Version: CurrentSchemaVersion + 1}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckCompatibility(tt.info, tt.model)
			if result.NeedsRebuild != tt.wantRebuild {
				t.Errorf("NeedsRebuild = %v, want %v (%s)", result.NeedsRebuild, tt.wantRebuild, result.Reason)
			}
			if result.NeedsRebuild && result.Reason == "" {
				t.Error("expected a reason")
			}
		})
	}
}

func TestReadSchemaInfo(t *testing.T) {
	dir := t.TempDir()

	info, err := ReadSchemaInfo(filepath.Join(dir, "none.db"))
	if err != nil || info != nil {
		t.Fatalf("expected nil info for missing file, got %+v, %v", info, err)
	}

	path := filepath.Join(dir, "embeddings.db")
	c := New(Strict)
	c.SetModel("mock")
	if err := c.Add([]string{"A", "B"}, [][]float32{{1, 0, 0}, {0, 1, 0}}); err != nil {
		t.Fatal(err)
	}
	if err := c.Save(path); err != nil {
		t.Fatal(err)
	}

	info, err = ReadSchemaInfo(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Version != CurrentSchemaVersion || info.Dim != 3 || info.Count != 2 || info.Model != "mock" {
		t.Errorf("unexpected schema info: %+v", info)
	}
}
