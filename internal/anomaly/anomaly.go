// Package anomaly scores a ProcessRecord's numeric feature vector against
// a model trained on a population of prior records, producing a single
// ml_score in [0, 1). Two interchangeable estimators are provided: a
// z-score aggregator and a small isolation-forest ensemble. Neither the
// teacher nor any example repo in the retrieval pack imports a machine
// learning library, so both are implemented directly over math and
// math/rand rather than reached for a package that doesn't exist in the
// corpus.
package anomaly

import (
	"encoding/json"
	"fmt"

	"github.com/dmitriimaksimovdevelop/procwatch/internal/feature"
)

// FeatureNames is the canonical, fixed order of the numeric feature
// vector extracted from a ProcessRecord. Every estimator in this package
// trains and scores against vectors in exactly this order; persisted
// models record the order they were trained with so a mismatched config
// can be detected at load time rather than silently scoring garbage.
var FeatureNames = []string{
	"cpu_percent",
	"mem_mb",
	"thread_count",
	"fd_count",
	"outbound_conns",
	"cmdline_length",
	"maps_has_wx",
	"exe_world_writable",
	"env_has_ld_preload",
}

// Vector extracts the canonical numeric feature vector from rec.
func Vector(rec feature.ProcessRecord) []float64 {
	v := make([]float64, len(FeatureNames))
	v[0] = rec.CPUPercent
	v[1] = rec.MemMB
	v[2] = float64(rec.ThreadCount)
	v[3] = float64(rec.FDCount)
	v[4] = float64(rec.OutboundConns)
	v[5] = float64(len(rec.JoinedCmdline()))
	v[6] = boolFeature(rec.MapsHasWX)
	v[7] = boolFeature(rec.ExeWorldWritable)
	v[8] = boolFeature(rec.EnvFlags["LD_PRELOAD"])
	return v
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Estimator is a trainable anomaly scorer. Score returns a value in
// [0, 1) where higher indicates a feature vector further from the
// training population.
type Estimator interface {
	Train(vectors [][]float64) error
	Score(v []float64) float64
	Save() ([]byte, error)
	Kind() string
}

// Load reads a persisted model and returns the estimator it names,
// refusing to load if the persisted feature order doesn't match
// FeatureNames — a model trained against a different feature set would
// otherwise silently score nonsense.
func Load(data []byte) (Estimator, error) {
	var envelope struct {
		Kind     string   `json:"kind"`
		Features []string `json:"features"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("anomaly: decode model envelope: %w", err)
	}
	if !sameFeatureOrder(envelope.Features) {
		return nil, fmt.Errorf("anomaly: model trained on feature order %v, runtime expects %v", envelope.Features, FeatureNames)
	}

	switch envelope.Kind {
	case "zscore":
		var m zscoreModel
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("anomaly: decode zscore model: %w", err)
		}
		return &ZScore{means: m.Means, stddevs: m.Stddevs, trained: true}, nil
	case "iforest":
		var m iforestModel
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("anomaly: decode iforest model: %w", err)
		}
		return &IsolationForest{trees: m.Trees, sampleSize: m.SampleSize, trained: true}, nil
	default:
		return nil, fmt.Errorf("anomaly: unknown model kind %q", envelope.Kind)
	}
}

func sameFeatureOrder(names []string) bool {
	if len(names) != len(FeatureNames) {
		return false
	}
	for i, n := range names {
		if n != FeatureNames[i] {
			return false
		}
	}
	return true
}
