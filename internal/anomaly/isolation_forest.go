package anomaly

import (
	"fmt"
	"math"
	"math/rand"
)

const (
	forestTrees     = 100
	forestMaxSample = 256
	eulerGamma      = 0.5772
)

type isolationNode struct {
	feature     int
	split       float64
	left, right *isolationNode
	size        int // points held by an external node
}

func (n *isolationNode) external() bool {
	return n.left == nil && n.right == nil
}

type isolationForest struct {
	rnd      *rand.Rand
	trees    []*isolationNode
	sample   int
	expected float64
}

func newIsolationForest(rnd *rand.Rand) *isolationForest {
	return &isolationForest{rnd: rnd}
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST search
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

func (f *isolationForest) fit(ref [][]float64) {
	f.trees = f.trees[:0]
	if len(ref) == 0 {
		return
	}

	f.sample = min(forestMaxSample, len(ref))
	f.expected = averagePathLength(f.sample)
	maxDepth := int(math.Ceil(math.Log2(float64(f.sample))))

	for t := 0; t < forestTrees; t++ {
		perm := f.rnd.Perm(len(ref))[:f.sample]
		sub := make([][]float64, f.sample)
		for i, idx := range perm {
			sub[i] = ref[idx]
		}
		f.trees = append(f.trees, f.build(sub, 0, maxDepth))
	}
}

func (f *isolationForest) build(data [][]float64, depth, maxDepth int) *isolationNode {
	if depth >= maxDepth || len(data) <= 1 || len(data[0]) == 0 {
		return &isolationNode{size: len(data)}
	}

	feature := f.rnd.Intn(len(data[0]))
	lo, hi := data[0][feature], data[0][feature]
	for _, v := range data[1:] {
		lo = math.Min(lo, v[feature])
		hi = math.Max(hi, v[feature])
	}
	if lo == hi {
		return &isolationNode{size: len(data)}
	}

	split := lo + f.rnd.Float64()*(hi-lo)
	var left, right [][]float64
	for _, v := range data {
		if v[feature] < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}

	return &isolationNode{
		feature: feature,
		split:   split,
		left:    f.build(left, depth+1, maxDepth),
		right:   f.build(right, depth+1, maxDepth),
	}
}

func pathLength(x []float64, node *isolationNode, depth int) float64 {
	for !node.external() {
		if x[node.feature] < node.split {
			node = node.left
		} else {
			node = node.right
		}
		depth++
	}
	return float64(depth) + averagePathLength(node.size)
}

func (f *isolationForest) score(x []float64) (float64, string) {
	if len(f.trees) == 0 || f.expected <= 0 {
		return 0.5, "reference set too small to isolate"
	}

	var total float64
	for _, t := range f.trees {
		total += pathLength(x, t, 0)
	}
	avg := total / float64(len(f.trees))
	score := math.Pow(2, -avg/f.expected)

	return score, fmt.Sprintf("isolated after %.2f splits on average (expected %.2f)", avg, f.expected)
}
