// Package metadata loads the per-ticket display metadata and outcome labels
// that are attached to the similarity index at build time.
package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"task2vec/internal/domain"

	_ "modernc.org/sqlite"
)

// SummaryMaxRunes is the display cap applied to ticket summaries.
const SummaryMaxRunes = 200

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteSource reads ticket rows (key, summary, assignee_id, created) from a
// SQLite database.
type SQLiteSource struct {
	path       string
	table      string
	summaryMax int
}

func NewSQLiteSource(path, table string, summaryMax int) (*SQLiteSource, error) {
	if table == "" {
		table = "tickets"
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid metadata table name %q", table)
	}
	if summaryMax <= 0 {
		summaryMax = SummaryMaxRunes
	}
	return &SQLiteSource{path: path, table: table, summaryMax: summaryMax}, nil
}

func (s *SQLiteSource) Load(ctx context.Context) (map[string]domain.Metadata, error) {
	// sqlite creates missing files on open
	if _, err := os.Stat(s.path); err != nil {
		return nil, fmt.Errorf("metadata database: %w", err)
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	defer db.Close()

	query := `SELECT key, summary, assignee_id, created FROM ` + s.table
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	defer rows.Close()

	out := make(map[string]domain.Metadata)
	for rows.Next() {
		var (
			key                        string
			summary, assignee, created sql.NullString
		)
		if err := rows.Scan(&key, &summary, &assignee, &created); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", s.table, err)
		}
		out[key] = domain.Metadata{
			Summary:  domain.TruncateRunes(summary.String, s.summaryMax),
			Assignee: assignee.String,
			Cluster:  -1,
			Year:     yearOf(created.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.table, err)
	}
	return out, nil
}

// yearOf reads the leading four-digit year of an ISO-like timestamp.
func yearOf(ts string) int {
	if len(ts) < 4 {
		return 0
	}
	y, err := strconv.Atoi(ts[:4])
	if err != nil {
		return 0
	}
	return y
}
