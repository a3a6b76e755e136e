package anomaly

import (
	"fmt"
	"math"
	"math/rand"
)

const (
	kmeansMaxClusters   = 5
	kmeansMaxIterations = 100
	kmeansTolerance     = 0.001
)

type kmeans struct {
	rnd       *rand.Rand
	centroids [][]float64
	radius    []float64
}

func newKMeans(rnd *rand.Rand) *kmeans {
	return &kmeans{rnd: rnd}
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (k *kmeans) nearest(x []float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for i, c := range k.centroids {
		if d := euclidean(x, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

func (k *kmeans) fit(ref [][]float64) {
	k.centroids, k.radius = nil, nil
	if len(ref) == 0 {
		return
	}

	clusters := min(kmeansMaxClusters, int(math.Floor(math.Sqrt(float64(len(ref))))))
	clusters = max(clusters, 1)

	for _, idx := range k.rnd.Perm(len(ref))[:clusters] {
		k.centroids = append(k.centroids, append([]float64(nil), ref[idx]...))
	}

	assign := make([]int, len(ref))
	for iter := 0; iter < kmeansMaxIterations; iter++ {
		for i, v := range ref {
			assign[i], _ = k.nearest(v)
		}

		dims := len(ref[0])
		sums := make([][]float64, clusters)
		counts := make([]int, clusters)
		for c := range sums {
			sums[c] = make([]float64, dims)
		}
		for i, v := range ref {
			c := assign[i]
			counts[c]++
			for j := range v {
				sums[c][j] += v[j]
			}
		}

		var moved float64
		for c := range k.centroids {
			if counts[c] == 0 {
				continue // empty cluster keeps its centroid
			}
			next := make([]float64, dims)
			for j := range next {
				next[j] = sums[c][j] / float64(counts[c])
			}
			moved = math.Max(moved, euclidean(next, k.centroids[c]))
			k.centroids[c] = next
		}

		if moved < kmeansTolerance {
			break
		}
	}

	k.radius = make([]float64, clusters)
	for i, v := range ref {
		c, d := k.nearest(v)
		assign[i] = c
		k.radius[c] = math.Max(k.radius[c], d)
	}
}

func (k *kmeans) score(x []float64) (float64, string) {
	if len(k.centroids) == 0 {
		return 0, "no clusters"
	}

	c, d := k.nearest(x)
	r := k.radius[c]
	if r == 0 {
		if d == 0 {
			return 0, fmt.Sprintf("sits on the centroid of cluster %d", c)
		}
		return 1, fmt.Sprintf("distance %.2f from single-valued cluster %d", d, c)
	}

	return math.Min(d/r, 1), fmt.Sprintf("distance %.2f to nearest cluster %d with radius %.2f", d, c, r)
}
