package domain

import "time"

// Item is a unit of work handed to the pipeline: a stable key and its text.
type Item struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Matrix is a row-major block of float32 vectors sharing one width.
type Matrix struct {
	Dim  int
	Data []float32
}

// NewMatrix allocates a zeroed rows x dim matrix.
func NewMatrix(rows, dim int) Matrix {
	return Matrix{Dim: dim, Data: make([]float32, rows*dim)}
}

// MatrixFromRows copies rows into a contiguous matrix. All rows must share one width.
func MatrixFromRows(rows [][]float32) Matrix {
	if len(rows) == 0 {
		return Matrix{}
	}
	m := NewMatrix(len(rows), len(rows[0]))
	for i, r := range rows {
		copy(m.Data[i*m.Dim:(i+1)*m.Dim], r)
	}
	return m
}

// Rows returns the number of rows.
func (m Matrix) Rows() int {
	if m.Dim == 0 {
		return 0
	}
	return len(m.Data) / m.Dim
}

// Row returns a view of row i. The slice aliases the matrix buffer.
func (m Matrix) Row(i int) []float32 {
	return m.Data[i*m.Dim : (i+1)*m.Dim : (i+1)*m.Dim]
}

// Metadata is the flat display bag attached to an index entry.
type Metadata struct {
	Summary  string            `json:"summary,omitempty"`
	Assignee string            `json:"assignee,omitempty"`
	Cluster  int               `json:"cluster"`
	Year     int               `json:"year,omitempty"`
	Pos      *Position         `json:"pos,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Position is a precomputed 2-D projection coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Neighbor is one top-k hit.
type Neighbor struct {
	Key        string   `json:"key"`
	Similarity float64  `json:"similarity"`
	Metadata   Metadata `json:"metadata"`
}

// Signal is the historical outcome of one ticket and the raw values its label came from.
type Signal struct {
	Label       string  `json:"label"`
	Days        float64 `json:"days"`
	Watches     int     `json:"watches"`
	AssigneeExp float64 `json:"assignee_exp"`
}

// TicketRecord is the raw history of a resolved ticket, the input to labelling.
// Timestamps are kept as received; missing ones leave the ticket unlabelled.
type TicketRecord struct {
	Key      string `json:"key"`
	Created  string `json:"created"`
	Resolved string `json:"resolved"`
	Watches  int    `json:"watches"`
	Assignee string `json:"assignee"`
}

// Calibration holds the thresholds used to derive labels.
type Calibration struct {
	P33Days     float64 `json:"p33_days"`
	P67Days     float64 `json:"p67_days"`
	P75Assignee float64 `json:"p75_assignee"`
}

// LabelTable is the static key -> signal side table.
type LabelTable struct {
	Calibration Calibration       `json:"calibration"`
	Signals     map[string]Signal `json:"signals"`
}

// Evidence is a labelled neighbour that contributed to an outcome.
type Evidence struct {
	Key        string  `json:"key"`
	Summary    string  `json:"summary"`
	Similarity float64 `json:"similarity"`
	Label      string  `json:"label"`
	Days       float64 `json:"days"`
	Watches    int     `json:"watches"`
}

// Outcome is a probability distribution over the label enumeration.
type Outcome struct {
	Labels        []string           `json:"-"`
	Probabilities map[string]float64 `json:"probabilities"`
	Tier          string             `json:"tier"`
	Confidence    float64            `json:"confidence"`
	Coverage      int                `json:"coverage"`
	AvgDays       *float64           `json:"avg_days"`
	Evidence      []Evidence         `json:"evidence"`
}

// Expert is an assignee who handled several of a query's neighbours.
type Expert struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Analysis summarises the neighbourhood of a query.
type Analysis struct {
	Similar       []Neighbor `json:"similar"`
	Experts       []Expert   `json:"experts"`
	Cluster       int        `json:"cluster"`
	Pos           *Position  `json:"pos,omitempty"`
	TopSimilarity float64    `json:"top_similarity"`
}

// IndexStats describes a built similarity index.
type IndexStats struct {
	Rows       int       `json:"rows"`
	Rankable   int       `json:"rankable"`
	Dim        int       `json:"dim"`
	Generation uint64    `json:"generation"`
	BuiltAt    time.Time `json:"built_at"`
}
