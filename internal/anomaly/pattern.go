package anomaly

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// iqrWhisker is how far outside [Q1,Q3], in IQRs, a value may sit before it
// no longer matches the pattern at all
const iqrWhisker = 1.5

// featurePattern is the learned normal range of one feature
type featurePattern struct {
	feature string
	q1, q3  float64
	weight  float64
}

func (p featurePattern) matchFraction(v float64) float64 {
	if v >= p.q1 && v <= p.q3 {
		return 1
	}
	iqr := p.q3 - p.q1
	if iqr == 0 {
		return 0
	}
	dist := p.q1 - v
	if v > p.q3 {
		dist = v - p.q3
	}
	return 1 - math.Min(dist/(iqrWhisker*iqr), 1)
}

// patternMatcher scores a point by how far it falls outside each feature's
// interquartile range
type patternMatcher struct {
	features []string
	patterns []featurePattern
}

func newPatternMatcher(features []string) *patternMatcher {
	return &patternMatcher{features: features}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Floor(float64(len(sorted)) * q))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (m *patternMatcher) fit(ref [][]float64) {
	m.patterns = m.patterns[:0]
	if len(m.features) == 0 || len(ref) == 0 {
		return
	}
	weight := 1 / float64(len(m.features))
	col := make([]float64, len(ref))
	for j, f := range m.features {
		for i, v := range ref {
			col[i] = v[j]
		}
		sort.Float64s(col)
		m.patterns = append(m.patterns, featurePattern{
			feature: f,
			q1:      quantile(col, 0.25),
			q3:      quantile(col, 0.75),
			weight:  weight,
		})
	}
}

func (m *patternMatcher) score(x []float64) (float64, string) {
	if len(m.patterns) == 0 {
		return 0, "no patterns learned"
	}

	var score float64
	var outside []string
	for j, p := range m.patterns {
		match := p.matchFraction(x[j])
		score += p.weight * (1 - match)
		if match < 1 {
			outside = append(outside, fmt.Sprintf("%s=%.2f outside [%.2f, %.2f]", p.feature, x[j], p.q1, p.q3))
		}
	}

	if len(outside) == 0 {
		return score, "matches all learned patterns"
	}
	return score, strings.Join(outside, ", ")
}
