package anomaly

import (
	"fmt"
	"math"
)

// zScoreScale maps a z-score onto [0,1]; three sigma and beyond scores 1
const zScoreScale = 3.0

type statistical struct {
	features []string
	mean     []float64
	std      []float64
}

func newStatistical(features []string) *statistical {
	return &statistical{features: features}
}

func (s *statistical) fit(ref [][]float64) {
	dims := len(s.features)
	s.mean = make([]float64, dims)
	s.std = make([]float64, dims)
	if len(ref) == 0 {
		return
	}
	n := float64(len(ref))
	for _, v := range ref {
		for j := 0; j < dims; j++ {
			s.mean[j] += v[j]
		}
	}
	for j := 0; j < dims; j++ {
		s.mean[j] /= n
	}
	for _, v := range ref {
		for j := 0; j < dims; j++ {
			d := v[j] - s.mean[j]
			s.std[j] += d * d
		}
	}
	for j := 0; j < dims; j++ {
		s.std[j] = math.Sqrt(s.std[j] / n)
	}
}

func (s *statistical) score(x []float64) (float64, string) {
	if len(s.features) == 0 {
		return 0, "no features"
	}

	var total float64
	worst, worstZ := -1, 0.0
	for j := range s.features {
		var z, norm float64
		if s.std[j] == 0 {
			if x[j] != s.mean[j] {
				z, norm = math.Inf(1), 1
			}
		} else {
			z = math.Abs(x[j]-s.mean[j]) / s.std[j]
			norm = math.Min(z/zScoreScale, 1)
		}
		total += norm
		if worst < 0 || z > worstZ {
			worst, worstZ = j, z
		}
	}

	score := total / float64(len(s.features))
	if math.IsInf(worstZ, 1) {
		return score, fmt.Sprintf("feature %q differs from constant value %.2f", s.features[worst], s.mean[worst])
	}
	return score, fmt.Sprintf("feature %q is %.2f standard deviations from mean %.2f",
		s.features[worst], worstZ, s.mean[worst])
}
