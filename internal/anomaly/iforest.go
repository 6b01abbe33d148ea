package anomaly

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
)

const (
	iforestTreeCount  = 100
	iforestSampleCap  = 256
	iforestMinSamples = 2
)

// iNode is one node of an isolation tree. A leaf has Left == nil and
// records the number of training points that reached it, used to
// extend the path length estimate beyond the tree's depth limit.
type iNode struct {
	Feature int      `json:"f"`
	Split   float64  `json:"s"`
	Left    *iNode   `json:"l,omitempty"`
	Right   *iNode   `json:"r,omitempty"`
	Size    int      `json:"sz"`
}

// IsolationForest is an ensemble of randomized binary trees that
// isolate points by repeatedly splitting on a random feature at a
// random threshold. Anomalous points isolate in fewer splits, so a
// shorter average path length across the ensemble indicates a more
// anomalous vector.
type IsolationForest struct {
	trees      []*iNode
	sampleSize int
	trained    bool
}

// NewIsolationForest returns an untrained isolation-forest estimator.
func NewIsolationForest() *IsolationForest {
	return &IsolationForest{}
}

func (f *IsolationForest) Kind() string { return "iforest" }

// Train builds iforestTreeCount trees, each over a bootstrapped
// subsample of up to iforestSampleCap vectors.
func (f *IsolationForest) Train(vectors [][]float64) error {
	if len(vectors) < iforestMinSamples {
		return fmt.Errorf("anomaly: iforest training requires at least %d vectors", iforestMinSamples)
	}

	sampleSize := len(vectors)
	if sampleSize > iforestSampleCap {
		sampleSize = iforestSampleCap
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	trees := make([]*iNode, 0, iforestTreeCount)
	for t := 0; t < iforestTreeCount; t++ {
		subsample := bootstrapSample(vectors, sampleSize)
		trees = append(trees, buildTree(subsample, 0, maxDepth))
	}

	f.trees = trees
	f.sampleSize = sampleSize
	f.trained = true
	return nil
}

func bootstrapSample(vectors [][]float64, n int) [][]float64 {
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = vectors[rand.Intn(len(vectors))]
	}
	return out
}

func buildTree(vectors [][]float64, depth, maxDepth int) *iNode {
	if depth >= maxDepth || len(vectors) <= 1 {
		return &iNode{Size: len(vectors)}
	}

	numFeatures := len(FeatureNames)
	feature := rand.Intn(numFeatures)

	min, max := featureRange(vectors, feature)
	if min == max {
		return &iNode{Size: len(vectors)}
	}
	split := min + rand.Float64()*(max-min)

	var left, right [][]float64
	for _, v := range vectors {
		if feature < len(v) && v[feature] < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &iNode{Size: len(vectors)}
	}

	return &iNode{
		Feature: feature,
		Split:   split,
		Left:    buildTree(left, depth+1, maxDepth),
		Right:   buildTree(right, depth+1, maxDepth),
	}
}

func featureRange(vectors [][]float64, feature int) (min, max float64) {
	first := true
	for _, v := range vectors {
		if feature >= len(v) {
			continue
		}
		if first {
			min, max = v[feature], v[feature]
			first = false
			continue
		}
		if v[feature] < min {
			min = v[feature]
		}
		if v[feature] > max {
			max = v[feature]
		}
	}
	return min, max
}

// pathLength walks v down the tree, returning the number of splits
// taken plus a correction term at leaves accounting for points that
// stopped splitting early due to the depth cap rather than true
// isolation.
func pathLength(node *iNode, v []float64, depth int) float64 {
	if node.Left == nil {
		return float64(depth) + averagePathLength(node.Size)
	}
	if node.Feature < len(v) && v[node.Feature] < node.Split {
		return pathLength(node.Left, v, depth+1)
	}
	return pathLength(node.Right, v, depth+1)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree of n nodes (Liu, Ting & Zhou, 2008).
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2*harmonic(float64(n-1)) - 2*float64(n-1)/float64(n)
}

func harmonic(n float64) float64 {
	// ln(n) + Euler-Mascheroni constant approximation of the n-th
	// harmonic number; it undershoots for small n (H(1) = 1, this gives
	// about 0.577) and tightens as n grows.
	return math.Log(n) + 0.5772156649
}

// Score returns 2^(-E[h(x)]/c(sampleSize)), the standard isolation
// forest anomaly score: values near 1 indicate strong anomalies, values
// near 0.5 or below indicate normal points.
func (f *IsolationForest) Score(v []float64) float64 {
	if !f.trained || len(f.trees) == 0 {
		return 0
	}
	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, v, 0)
	}
	avgPath := total / float64(len(f.trees))
	c := averagePathLength(f.sampleSize)
	if c <= 0 {
		return 0
	}
	return math.Pow(2, -avgPath/c)
}

type iforestModel struct {
	Kind       string   `json:"kind"`
	Features   []string `json:"features"`
	SampleSize int      `json:"sample_size"`
	Trees      []*iNode `json:"trees"`
}

// Save serializes the trained ensemble, tagging it with the feature
// order it was trained against.
func (f *IsolationForest) Save() ([]byte, error) {
	return json.Marshal(iforestModel{
		Kind:       "iforest",
		Features:   FeatureNames,
		SampleSize: f.sampleSize,
		Trees:      f.trees,
	})
}
