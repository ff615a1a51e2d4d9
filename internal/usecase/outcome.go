package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"task2vec/internal/domain"
)

// DefaultCalibration holds the thresholds derived from the historical corpus.
var DefaultCalibration = domain.Calibration{
	P33Days:     1.9,
	P67Days:     29.5,
	P75Assignee: 136,
}

const lowWatches = 2

var timestampLayouts = []string{
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07:00",
}

// Labeler derives an outcome label per resolved ticket from resolution time,
// watcher count and how busy the assignee is.
type Labeler struct {
	cal    domain.Calibration
	tiers  [3]string // least to most human effort
	logger *slog.Logger
}

// NewLabeler takes a three-tier enumeration ordered from least to most effort.
func NewLabeler(cal domain.Calibration, labels []string, logger *slog.Logger) (*Labeler, error) {
	if len(labels) != 3 {
		return nil, fmt.Errorf("labelling needs exactly three tiers, got %d", len(labels))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Labeler{
		cal:    cal,
		tiers:  [3]string{labels[0], labels[1], labels[2]},
		logger: logger,
	}, nil
}

// LabelResult counts what happened to each record.
type LabelResult struct {
	Records    int
	Labelled   int
	NotIndexed int
	NoDates    int
	Counts     map[string]int
}

// Label builds the side table for records whose key passes indexed. Assignee
// workload is counted over every record, indexed or not. progress may be nil.
func (l *Labeler) Label(records []domain.TicketRecord, indexed func(key string) bool, progress func(done int)) (*domain.LabelTable, *LabelResult) {
	counts := make(map[string]int)
	for _, r := range records {
		if r.Assignee != "" {
			counts[r.Assignee]++
		}
	}
	maxCount := 1
	if len(counts) > 0 {
		maxCount = 0
		for _, c := range counts {
			maxCount = max(maxCount, c)
		}
	}

	table := &domain.LabelTable{
		Calibration: l.cal,
		Signals:     make(map[string]domain.Signal),
	}
	result := &LabelResult{Records: len(records), Counts: make(map[string]int)}

	for i, r := range records {
		if progress != nil {
			progress(i + 1)
		}
		if indexed != nil && !indexed(r.Key) {
			result.NotIndexed++
			continue
		}
		created, okC := parseTimestamp(r.Created)
		resolved, okR := parseTimestamp(r.Resolved)
		if !okC || !okR {
			result.NoDates++
			continue
		}

		days := max(0, resolved.Sub(created).Seconds()/86400)
		assigneeCount := counts[r.Assignee]
		label := l.label(days, r.Watches, assigneeCount)

		table.Signals[r.Key] = domain.Signal{
			Label:       label,
			Days:        domain.RoundTo(days, 2),
			Watches:     r.Watches,
			AssigneeExp: domain.RoundTo(float64(assigneeCount)/float64(maxCount), 4),
		}
	}

	for _, s := range table.Signals {
		result.Counts[s.Label]++
	}
	result.Labelled = len(table.Signals)

	l.logger.Info("outcome labels computed",
		"records", result.Records,
		"labelled", result.Labelled,
		"not_indexed", result.NotIndexed,
		"missing_dates", result.NoDates,
		"assignees", len(counts),
	)
	return table, result
}

// label scores one point each for a fast resolution, few watchers and a
// less loaded assignee. Three points is the low-effort tier, one or none the
// high-effort tier.
func (l *Labeler) label(days float64, watches, assigneeCount int) string {
	score := 0
	if days <= l.cal.P33Days {
		score++
	}
	if watches <= lowWatches {
		score++
	}
	if float64(assigneeCount) < l.cal.P75Assignee {
		score++
	}
	switch {
	case score == 3:
		return l.tiers[0]
	case score <= 1:
		return l.tiers[2]
	default:
		return l.tiers[1]
	}
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
