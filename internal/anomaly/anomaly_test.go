package anomaly

import (
	"math"
	"testing"

	"github.com/dmitriimaksimovdevelop/procwatch/internal/feature"
)

func TestZScoreTrainAndScore(t *testing.T) {
	z := NewZScore()
	normal := [][]float64{
		{1, 100, 4, 10, 0, 20, 0, 0, 0},
		{2, 110, 4, 11, 0, 22, 0, 0, 0},
		{1, 95, 5, 9, 1, 18, 0, 0, 0},
		{3, 120, 4, 12, 0, 25, 0, 0, 0},
	}
	if err := z.Train(normal); err != nil {
		t.Fatal(err)
	}

	normalScore := z.Score([]float64{2, 105, 4, 10, 0, 20, 0, 0, 0})
	outlier := z.Score([]float64{99, 9000, 400, 900, 50, 400, 1, 1, 1})
	if outlier <= normalScore {
		t.Errorf("outlier score %v should exceed normal score %v", outlier, normalScore)
	}
	if outlier < 0 || outlier >= 1 {
		t.Errorf("score %v out of [0,1) range", outlier)
	}
}

func TestZScoreSaveLoadRoundTrip(t *testing.T) {
	z := NewZScore()
	vectors := [][]float64{
		{1, 100, 4, 10, 0, 20, 0, 0, 0},
		{2, 110, 4, 11, 0, 22, 0, 0, 0},
		{1, 95, 5, 9, 1, 18, 0, 0, 0},
	}
	if err := z.Train(vectors); err != nil {
		t.Fatal(err)
	}
	sample := []float64{5, 500, 40, 90, 5, 40, 1, 0, 1}
	want := z.Score(sample)

	data, err := z.Save()
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(data)
	if err != nil {
		t.Fatal(err)
	}
	got := loaded.Score(sample)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("round-tripped score = %v, want %v", got, want)
	}
	if loaded.Kind() != "zscore" {
		t.Errorf("Kind() = %q, want zscore", loaded.Kind())
	}
}

func TestLoadRejectsFeatureOrderMismatch(t *testing.T) {
	data := []byte(`{"kind":"zscore","features":["cpu_percent","mem_mb"],"means":[1,2],"stddevs":[1,1]}`)
	if _, err := Load(data); err == nil {
		t.Error("Load() should reject a model trained on a different feature order")
	}
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	data := []byte(`{"kind":"svm","features":["cpu_percent","mem_mb","thread_count","fd_count","outbound_conns","cmdline_length","maps_has_wx","exe_world_writable","env_has_ld_preload"]}`)
	if _, err := Load(data); err == nil {
		t.Error("Load() should reject an unrecognized model kind")
	}
}

func TestIsolationForestTrainAndScore(t *testing.T) {
	f := NewIsolationForest()
	var normal [][]float64
	for i := 0; i < 50; i++ {
		normal = append(normal, []float64{
			float64(1 + i%5), 100 + float64(i%20), 4, float64(8 + i%4), 0, 20, 0, 0, 0,
		})
	}
	if err := f.Train(normal); err != nil {
		t.Fatal(err)
	}

	normalScore := f.Score([]float64{2, 105, 4, 9, 0, 20, 0, 0, 0})
	outlier := f.Score([]float64{500, 50000, 900, 5000, 80, 900, 1, 1, 1})
	if outlier <= normalScore {
		t.Errorf("outlier score %v should exceed normal score %v", outlier, normalScore)
	}
}

func TestIsolationForestSaveLoadRoundTrip(t *testing.T) {
	f := NewIsolationForest()
	var normal [][]float64
	for i := 0; i < 20; i++ {
		normal = append(normal, []float64{
			float64(1 + i%3), 100, 4, 8, 0, 20, 0, 0, 0,
		})
	}
	if err := f.Train(normal); err != nil {
		t.Fatal(err)
	}
	sample := []float64{10, 200, 8, 20, 2, 40, 0, 0, 0}
	want := f.Score(sample)

	data, err := f.Save()
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(data)
	if err != nil {
		t.Fatal(err)
	}
	got := loaded.Score(sample)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("round-tripped score = %v, want %v", got, want)
	}
	if loaded.Kind() != "iforest" {
		t.Errorf("Kind() = %q, want iforest", loaded.Kind())
	}
}

func TestVectorOrderMatchesFeatureNames(t *testing.T) {
	if len(FeatureNames) != 9 {
		t.Fatalf("len(FeatureNames) = %d, want 9", len(FeatureNames))
	}

	rec := feature.ProcessRecord{
		CPUPercent: 1, MemMB: 2, ThreadCount: 3, FDCount: 4, OutboundConns: 5,
		Cmdline:   []string{"abcdef"},
		MapsHasWX: true, ExeWorldWritable: false,
		EnvFlags: map[string]bool{"LD_PRELOAD": true},
	}
	want := map[string]float64{
		"cpu_percent": 1, "mem_mb": 2, "thread_count": 3, "fd_count": 4,
		"outbound_conns": 5, "cmdline_length": 6, "maps_has_wx": 1,
		"exe_world_writable": 0, "env_has_ld_preload": 1,
	}
	v := Vector(rec)
	if len(v) != len(FeatureNames) {
		t.Fatalf("len(Vector()) = %d, want %d", len(v), len(FeatureNames))
	}
	for i, name := range FeatureNames {
		if v[i] != want[name] {
			t.Errorf("Vector()[%d] (%s) = %v, want %v", i, name, v[i], want[name])
		}
	}
}
