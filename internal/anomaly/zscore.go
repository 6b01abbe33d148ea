package anomaly

import (
	"encoding/json"
	"fmt"
	"math"
)

const zscoreFloorStddev = 1e-6

// ZScore scores a vector by the largest per-feature deviation from the
// training population's mean, in units of standard deviation, squashed
// into [0, 1) so it combines predictably with heuristic_score.
type ZScore struct {
	means   []float64
	stddevs []float64
	trained bool
}

// NewZScore returns an untrained z-score estimator.
func NewZScore() *ZScore {
	return &ZScore{}
}

func (z *ZScore) Kind() string { return "zscore" }

// Train computes the per-feature mean and standard deviation across
// vectors. At least two vectors are required for a meaningful stddev;
// fewer leaves stddevs at the floor, making every subsequent score
// degenerate toward the maximum until more training data accumulates.
func (z *ZScore) Train(vectors [][]float64) error {
	if len(vectors) == 0 {
		return fmt.Errorf("anomaly: zscore training requires at least one vector")
	}
	n := len(FeatureNames)
	means := make([]float64, n)
	for _, v := range vectors {
		for i := 0; i < n && i < len(v); i++ {
			means[i] += v[i]
		}
	}
	for i := range means {
		means[i] /= float64(len(vectors))
	}

	variances := make([]float64, n)
	for _, v := range vectors {
		for i := 0; i < n && i < len(v); i++ {
			d := v[i] - means[i]
			variances[i] += d * d
		}
	}
	stddevs := make([]float64, n)
	for i := range variances {
		stddevs[i] = math.Sqrt(variances[i] / float64(len(vectors)))
		if stddevs[i] < zscoreFloorStddev {
			stddevs[i] = zscoreFloorStddev
		}
	}

	z.means = means
	z.stddevs = stddevs
	z.trained = true
	return nil
}

// Score returns max_i |x_i - mean_i| / stddev_i, squashed through
// 1 - exp(-s/3) so the result lands in [0, 1) regardless of how far an
// outlier's raw deviation runs.
func (z *ZScore) Score(v []float64) float64 {
	if !z.trained {
		return 0
	}
	var maxDev float64
	for i := 0; i < len(z.means) && i < len(v); i++ {
		dev := math.Abs(v[i]-z.means[i]) / z.stddevs[i]
		if dev > maxDev {
			maxDev = dev
		}
	}
	s := 1 - math.Exp(-maxDev/3)
	if s >= 1 {
		// For very large deviations exp(-s/3) falls below float64
		// resolution next to 1 and the subtraction rounds to exactly 1.
		s = math.Nextafter(1, 0)
	}
	return s
}

type zscoreModel struct {
	Kind     string    `json:"kind"`
	Features []string  `json:"features"`
	Means    []float64 `json:"means"`
	Stddevs  []float64 `json:"stddevs"`
}

// Save serializes the trained model, tagging it with the feature order
// it was trained against so Load can refuse a mismatched model.
func (z *ZScore) Save() ([]byte, error) {
	return json.Marshal(zscoreModel{
		Kind:     "zscore",
		Features: FeatureNames,
		Means:    z.means,
		Stddevs:  z.stddevs,
	})
}
