package usecase

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"task2vec/internal/domain"
)

func TestLabeler_Tiers(t *testing.T) {
	l, err := NewLabeler(DefaultCalibration, DefaultLabels, nil)
	require.NoError(t, err)

	cases := []struct {
		days    float64
		watches int
		count   int
		want    string
	}{
		{1.0, 1, 10, "Automate"},
		{1.9, 2, 135, "Automate"},
		{1.91, 2, 10, "Assist"},
		{1.0, 3, 10, "Assist"},
		{1.0, 1, 136, "Assist"},
		{30, 5, 10, "Escalate"},
		{30, 5, 500, "Escalate"},
		{1.0, 5, 500, "Escalate"},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%v_%d_%d", tc.days, tc.watches, tc.count), func(t *testing.T) {
			assert.Equal(t, tc.want, l.label(tc.days, tc.watches, tc.count))
		})
	}
}

func TestLabeler_Label(t *testing.T) {
	l, err := NewLabeler(DefaultCalibration, DefaultLabels, nil)
	require.NoError(t, err)

	records := []domain.TicketRecord{
		{Key: "SPR-1", Created: "2020-01-01T00:00:00.000+0000", Resolved: "2020-01-02T00:00:00.000+0000", Watches: 1, Assignee: "juergen"},
		{Key: "SPR-2", Created: "2020-01-01T00:00:00Z", Resolved: "2020-03-01T12:00:00Z", Watches: 9, Assignee: "juergen"},
		{Key: "SPR-3", Created: "2020-01-01T00:00:00+01:00", Resolved: "2019-12-31T22:00:00+00:00", Watches: 0},
		{Key: "SPR-4", Created: "2020-01-01T00:00:00Z", Watches: 1, Assignee: "juergen"},
		{Key: "SPR-5", Created: "yesterday", Resolved: "today", Assignee: "sam"},
		{Key: "OTHER-1", Created: "2020-01-01T00:00:00Z", Resolved: "2020-01-01T01:00:00Z", Assignee: "juergen"},
	}
	indexed := map[string]bool{"SPR-1": true, "SPR-2": true, "SPR-3": true, "SPR-4": true, "SPR-5": true}

	var ticks int
	table, res := l.Label(records, func(k string) bool { return indexed[k] }, func(int) { ticks++ })

	assert.Equal(t, 6, ticks)
	assert.Equal(t, 6, res.Records)
	assert.Equal(t, 3, res.Labelled)
	assert.Equal(t, 1, res.NotIndexed)
	assert.Equal(t, 2, res.NoDates)
	assert.Equal(t, DefaultCalibration, table.Calibration)

	// juergen has 4 of the records and is the busiest assignee
	s1 := table.Signals["SPR-1"]
	assert.Equal(t, "Automate", s1.Label)
	assert.Equal(t, 1.0, s1.Days)
	assert.Equal(t, 1.0, s1.AssigneeExp)

	s2 := table.Signals["SPR-2"]
	assert.Equal(t, 60.5, s2.Days)
	assert.Equal(t, "Escalate", s2.Label)

	// resolution before creation clamps to zero days
	s3 := table.Signals["SPR-3"]
	assert.Zero(t, s3.Days)
	assert.Zero(t, s3.AssigneeExp)
	assert.Equal(t, "Automate", s3.Label)

	assert.Equal(t, map[string]int{"Automate": 2, "Escalate": 1}, res.Counts)
}

func TestLabeler_AssigneeExpRounded(t *testing.T) {
	l, err := NewLabeler(DefaultCalibration, DefaultLabels, nil)
	require.NoError(t, err)

	var records []domain.TicketRecord
	for i := 0; i < 3; i++ {
		records = append(records, domain.TicketRecord{Key: fmt.Sprintf("A-%d", i), Assignee: "ann"})
	}
	records = append(records, domain.TicketRecord{
		Key: "B-1", Assignee: "bo",
		Created: "2021-05-01T10:00:00.123+0000", Resolved: "2021-05-01T10:30:00.456+0000",
	})

	table, _ := l.Label(records, nil, nil)
	require.Contains(t, table.Signals, "B-1")
	assert.Equal(t, 0.3333, table.Signals["B-1"].AssigneeExp)
	assert.Equal(t, 0.02, table.Signals["B-1"].Days)
}

func TestNewLabeler_NeedsThreeTiers(t *testing.T) {
	_, err := NewLabeler(DefaultCalibration, []string{"Low", "High"}, nil)
	assert.Error(t, err)
}
