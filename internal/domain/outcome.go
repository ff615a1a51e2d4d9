package domain

import "math"

// ArgMax returns the label with the highest probability. Ties go to the label
// that appears first in Labels.
func (o Outcome) ArgMax() string {
	best := ""
	bestP := math.Inf(-1)
	for _, l := range o.Labels {
		if p := o.Probabilities[l]; p > bestP {
			best, bestP = l, p
		}
	}
	return best
}

// Sum returns the total probability mass.
func (o Outcome) Sum() float64 {
	var s float64
	for _, l := range o.Labels {
		s += o.Probabilities[l]
	}
	return s
}

// Rounded returns a display copy with probabilities rounded to places decimals.
// The rounding residual is folded into the tier label so the shown values still
// sum to exactly 1.
func (o Outcome) Rounded(places int) Outcome {
	out := o
	out.Probabilities = make(map[string]float64, len(o.Probabilities))

	var sum float64
	for _, l := range o.Labels {
		p := RoundTo(o.Probabilities[l], places)
		out.Probabilities[l] = p
		sum += p
	}

	target := o.Tier
	if _, ok := out.Probabilities[target]; !ok {
		target = o.ArgMax()
	}
	if target != "" && len(o.Labels) > 0 {
		out.Probabilities[target] = RoundTo(out.Probabilities[target]+(1-sum), places)
	}

	if o.Confidence > 0 {
		out.Confidence = out.Probabilities[target]
	}
	if o.AvgDays != nil {
		d := RoundTo(*o.AvgDays, 1)
		out.AvgDays = &d
	}
	if o.Evidence != nil {
		out.Evidence = make([]Evidence, len(o.Evidence))
		for i, e := range o.Evidence {
			e.Similarity = RoundTo(e.Similarity, places)
			out.Evidence[i] = e
		}
	}
	return out
}

// RoundTo rounds v half away from zero to places decimals.
func RoundTo(v float64, places int) float64 {
	if places < 0 {
		return v
	}
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
