package usecase

import (
	"errors"
	"fmt"

	"task2vec/internal/domain"
	"task2vec/internal/port"
)

// DefaultLabels is the outcome enumeration, ordered from least to most human effort.
var DefaultLabels = []string{"Automate", "Assist", "Escalate"}

// DefaultFallbackLabel is reported as the tier when no neighbour carries evidence.
const DefaultFallbackLabel = "Assist"

// Scorer turns a neighbour set into a distribution over a fixed label enumeration.
// It holds no per-call state.
type Scorer struct {
	labels   []string
	known    map[string]bool
	fallback string
}

// NewScorer validates the enumeration. fallback must be one of labels.
func NewScorer(labels []string, fallback string) (*Scorer, error) {
	if len(labels) == 0 {
		return nil, errors.New("scorer: empty label enumeration")
	}
	known := make(map[string]bool, len(labels))
	for _, l := range labels {
		if l == "" {
			return nil, errors.New("scorer: empty label")
		}
		if known[l] {
			return nil, fmt.Errorf("scorer: duplicate label %q", l)
		}
		known[l] = true
	}
	if fallback == "" {
		fallback = labels[0]
		if known[DefaultFallbackLabel] {
			fallback = DefaultFallbackLabel
		}
	}
	if !known[fallback] {
		return nil, fmt.Errorf("scorer: fallback label %q not in enumeration", fallback)
	}
	return &Scorer{
		labels:   append([]string(nil), labels...),
		known:    known,
		fallback: fallback,
	}, nil
}

// Labels returns the enumeration in order.
func (s *Scorer) Labels() []string {
	return append([]string(nil), s.labels...)
}

// Score retrieves the neighbourCount nearest rows and weighs their labels by
// clamped similarity. No labelled evidence yields the uniform distribution with
// zero confidence; only an invalid query or an empty index is an error.
func (s *Scorer) Score(query []float32, idx port.NeighborSearcher, signals map[string]domain.Signal, neighborCount int) (domain.Outcome, error) {
	neighbors, err := idx.TopK(query, neighborCount)
	if err != nil {
		return domain.Outcome{}, err
	}
	return s.FromNeighbors(neighbors, signals), nil
}

// FromNeighbors scores an already retrieved neighbour list.
func (s *Scorer) FromNeighbors(neighbors []domain.Neighbor, signals map[string]domain.Signal) domain.Outcome {
	weights := make(map[string]float64, len(s.labels))
	evidence := make([]domain.Evidence, 0, len(neighbors))
	var total, daysSum float64

	for _, n := range neighbors {
		sig, ok := signals[n.Key]
		if !ok || !s.known[sig.Label] {
			continue
		}
		w := max(0, n.Similarity)
		weights[sig.Label] += w
		total += w
		daysSum += sig.Days
		evidence = append(evidence, domain.Evidence{
			Key:        n.Key,
			Summary:    n.Metadata.Summary,
			Similarity: n.Similarity,
			Label:      sig.Label,
			Days:       sig.Days,
			Watches:    sig.Watches,
		})
	}

	out := domain.Outcome{
		Labels:        s.Labels(),
		Probabilities: make(map[string]float64, len(s.labels)),
		Coverage:      len(evidence),
		Evidence:      evidence,
	}
	if len(evidence) > 0 {
		avg := daysSum / float64(len(evidence))
		out.AvgDays = &avg
	}

	if total <= 0 {
		u := 1 / float64(len(s.labels))
		for _, l := range s.labels {
			out.Probabilities[l] = u
		}
		out.Tier = s.fallback
		out.Confidence = 0
		return out
	}

	for _, l := range s.labels {
		out.Probabilities[l] = weights[l] / total
	}
	out.Tier = out.ArgMax()
	out.Confidence = out.Probabilities[out.Tier]
	return out
}
