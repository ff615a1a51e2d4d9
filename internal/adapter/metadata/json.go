package metadata

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"task2vec/internal/domain"
)

// JSONSource reads a metadata list of the form
// [{"key": ..., "summary": ..., "assignee": ..., "year": ..., "cluster": ..., "x": ..., "y": ...}].
// Other scalar fields are kept as string attributes.
type JSONSource struct {
	path       string
	summaryMax int
}

func NewJSONSource(path string, summaryMax int) *JSONSource {
	if summaryMax <= 0 {
		summaryMax = SummaryMaxRunes
	}
	return &JSONSource{path: path, summaryMax: summaryMax}
}

func (s *JSONSource) Load(ctx context.Context) (map[string]domain.Metadata, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("metadata file: %w", err)
	}

	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse metadata list %s: %w", s.path, err)
	}

	out := make(map[string]domain.Metadata, len(records))
	for i, r := range records {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		key, _ := r["key"].(string)
		if key == "" {
			continue
		}
		out[key] = s.convert(r)
	}
	return out, nil
}

func (s *JSONSource) convert(r map[string]any) domain.Metadata {
	m := domain.Metadata{Cluster: -1}
	x, hasX := r["x"].(float64)
	y, hasY := r["y"].(float64)

	for field, v := range r {
		switch field {
		case "key", "x", "y":
		case "summary":
			str, _ := v.(string)
			m.Summary = domain.TruncateRunes(str, s.summaryMax)
		case "assignee":
			m.Assignee, _ = v.(string)
		case "year":
			if f, ok := v.(float64); ok {
				m.Year = int(f)
			}
		case "cluster":
			if f, ok := v.(float64); ok {
				m.Cluster = int(f)
			}
		default:
			if str, ok := scalarString(v); ok {
				if m.Attrs == nil {
					m.Attrs = make(map[string]string)
				}
				m.Attrs[field] = str
			}
		}
	}
	if hasX && hasY {
		m.Pos = &domain.Position{X: x, Y: y}
	}
	return m
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
