package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// stump splits on one feature: x[feature] <= threshold -> low, else high.
func stump(feature int, threshold, low, high float64) Tree {
	return Tree{Nodes: []TreeNode{
		{Feature: feature, Threshold: threshold, Left: 1, Right: 2},
		{Left: -1, Right: -1, Value: low},
		{Left: -1, Right: -1, Value: high},
	}}
}

func testForest(nFeatures int) *TreeEnsemble {
	return &TreeEnsemble{
		Kind:      EnsembleForest,
		NFeatures: nFeatures,
		Trees: []Tree{
			stump(0, 0.5, 0.1, 0.9),
			stump(0, 0.5, 0.0, 0.7),
		},
	}
}

func TestTreeEnsemble(t *testing.T) {
	t.Run("ForestAverages", func(t *testing.T) {
		m := testForest(2)
		p, err := m.PredictProba([]float64{0, 0})
		if err != nil {
			t.Fatalf("predict failed: %v", err)
		}
		if math.Abs(p-0.05) > 1e-9 {
			t.Errorf("expected 0.05, got %f", p)
		}
		p, _ = m.PredictProba([]float64{1, 0})
		if math.Abs(p-0.8) > 1e-9 {
			t.Errorf("expected 0.8, got %f", p)
		}
	})

	t.Run("BoostedSigmoid", func(t *testing.T) {
		m := &TreeEnsemble{Kind: EnsembleBoosted, NFeatures: 1, BaseScore: 0, Trees: []Tree{stump(0, 0, -1, 1)}}
		p, err := m.PredictProba([]float64{5})
		if err != nil {
			t.Fatalf("predict failed: %v", err)
		}
		want := 1 / (1 + math.Exp(-1))
		if math.Abs(p-want) > 1e-9 {
			t.Errorf("expected %f, got %f", want, p)
		}
	})

	t.Run("FeatureMismatch", func(t *testing.T) {
		_, err := testForest(3).PredictProba([]float64{1})
		if !errors.Is(err, ErrFeatureMismatch) {
			t.Errorf("expected ErrFeatureMismatch, got %v", err)
		}
	})

	t.Run("ValidateRejectsBackEdge", func(t *testing.T) {
		m := &TreeEnsemble{Kind: EnsembleForest, NFeatures: 1, Trees: []Tree{{Nodes: []TreeNode{
			{Feature: 0, Left: 0, Right: 1},
			{Left: -1},
		}}}}
		if err := m.Validate(); err == nil {
			t.Error("expected validation error for self-referencing node")
		}
	})

	t.Run("ValidateRejectsFeatureRange", func(t *testing.T) {
		m := &TreeEnsemble{Kind: EnsembleForest, NFeatures: 1, Trees: []Tree{stump(3, 0, 0, 1)}}
		if err := m.Validate(); err == nil {
			t.Error("expected validation error for out-of-range feature")
		}
	})

	t.Run("ValidateRejectsUnknownKind", func(t *testing.T) {
		m := &TreeEnsemble{Kind: "svm", NFeatures: 1, Trees: []Tree{stump(0, 0, 0, 1)}}
		if err := m.Validate(); err == nil {
			t.Error("expected validation error for unknown kind")
		}
	})
}

func TestScaler(t *testing.T) {
	s, err := FitScaler([][]float64{{1, 5}, {3, 5}})
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if s.Mean[0] != 2 || s.Scale[0] != 1 {
		t.Errorf("unexpected column 0 stats: mean %f scale %f", s.Mean[0], s.Scale[0])
	}
	if s.Scale[1] != 1 {
		t.Errorf("constant column should have scale 1, got %f", s.Scale[1])
	}

	out, err := s.Transform([]float64{4, 5})
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if out[0] != 2 || out[1] != 0 {
		t.Errorf("unexpected transform %v", out)
	}

	if _, err := s.Transform([]float64{1}); !errors.Is(err, ErrFeatureMismatch) {
		t.Errorf("expected ErrFeatureMismatch, got %v", err)
	}

	var identity *Scaler
	out, _ = identity.Transform([]float64{7})
	if out[0] != 7 {
		t.Errorf("nil scaler should be identity, got %v", out)
	}
}

func TestSyntheticBaseline(t *testing.T) {
	forest, scaler, err := SyntheticBaseline(42)
	if err != nil {
		t.Fatalf("baseline failed: %v", err)
	}

	if len(forest.Trees) != 100 {
		t.Errorf("expected 100 trees, got %d", len(forest.Trees))
	}
	if forest.NFeatures != 8 || scaler.Dim() != 8 {
		t.Errorf("expected 8 features, got forest %d scaler %d", forest.NFeatures, scaler.Dim())
	}
	if err := forest.Validate(); err != nil {
		t.Fatalf("synthetic forest invalid: %v", err)
	}

	t.Run("Deterministic", func(t *testing.T) {
		again, _, err := SyntheticBaseline(42)
		if err != nil {
			t.Fatalf("baseline failed: %v", err)
		}
		if again.Offset != forest.Offset {
			t.Errorf("offsets differ: %f vs %f", again.Offset, forest.Offset)
		}
	})

	t.Run("ContaminationShare", func(t *testing.T) {
		rows := SyntheticRows(42, 1000)
		outliers := 0
		for _, r := range rows {
			x, _ := scaler.Transform(r)
			s, err := forest.ScoreSample(x)
			if err != nil {
				t.Fatalf("score failed: %v", err)
			}
			if s < -1 || s >= 0 {
				t.Fatalf("score %f out of range", s)
			}
			if forest.IsOutlier(s) {
				outliers++
			}
		}
		if outliers < 50 || outliers > 150 {
			t.Errorf("expected roughly 10%% outliers, got %d of 1000", outliers)
		}
	})

	t.Run("ExtremePointIsOutlier", func(t *testing.T) {
		x, _ := scaler.Transform([]float64{5000, 500, 1e7, 5000, 500, 5000, 500, 1e6})
		s, _ := forest.ScoreSample(x)
		if !forest.IsOutlier(s) {
			t.Errorf("expected extreme point to be an outlier, score %f offset %f", s, forest.Offset)
		}
	})
}

func TestHandleSelection(t *testing.T) {
	anomaly := Anomaly{Model: &IsolationForest{}}

	tests := []struct {
		name     string
		variants []Variant
		active   Family
		chain    []Family
	}{
		{
			name: "BestWins",
			variants: []Variant{
				Supervised{Kind: FamilyRandomForest, Model: testForest(1)},
				Supervised{Kind: FamilyBest, Label: "xgboost", Model: testForest(1)},
				Supervised{Kind: FamilyLightGBM, Model: testForest(1)},
				anomaly,
			},
			active: FamilyBest,
			chain:  []Family{FamilyBest, FamilyLightGBM, FamilyRandomForest, FamilyIsolationForest},
		},
		{
			name: "RandomForestBeforeBoosted",
			variants: []Variant{
				Supervised{Kind: FamilyXGBoost, Model: testForest(1)},
				Supervised{Kind: FamilyRandomForest, Model: testForest(1)},
				anomaly,
			},
			active: FamilyRandomForest,
			chain:  []Family{FamilyRandomForest, FamilyIsolationForest},
		},
		{
			name: "BoostedA",
			variants: []Variant{
				Supervised{Kind: FamilyLightGBM, Model: testForest(1)},
				Supervised{Kind: FamilyXGBoost, Model: testForest(1)},
				anomaly,
			},
			active: FamilyXGBoost,
			chain:  []Family{FamilyXGBoost, FamilyLightGBM, FamilyIsolationForest},
		},
		{
			name:     "AnomalyOnly",
			variants: []Variant{anomaly},
			active:   FamilyIsolationForest,
			chain:    []Family{FamilyIsolationForest},
		},
		{
			name:   "Empty",
			active: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandle("test", nil, nil, tt.variants...)
			if h.Active() != tt.active {
				t.Errorf("expected active %q, got %q", tt.active, h.Active())
			}
			chain := h.Chain()
			if len(chain) != len(tt.chain) {
				t.Fatalf("expected chain %v, got %d variants", tt.chain, len(chain))
			}
			for i, v := range chain {
				if v.Family() != tt.chain[i] {
					t.Errorf("chain[%d]: expected %s, got %s", i, tt.chain[i], v.Family())
				}
			}
		})
	}

	t.Run("BestModelType", func(t *testing.T) {
		h := NewHandle("test", nil, nil, Supervised{Kind: FamilyBest, Label: "lightgbm", Model: testForest(1)})
		if info := h.Describe(); info.ModelType != "lightgbm" {
			t.Errorf("expected model type lightgbm, got %s", info.ModelType)
		}
	})
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func testBundle() *Bundle {
	return &Bundle{
		FeatureNames:  []string{"tax_id_provided", "security_controls_count"},
		Scaler:        &Scaler{Mean: []float64{0, 0}, Scale: []float64{1, 1}},
		BestModelName: "random_forest",
		RFModel:       testForest(2),
	}
}

func TestLoader(t *testing.T) {
	ctx := context.Background()

	t.Run("PrimaryWins", func(t *testing.T) {
		dir := t.TempDir()
		primary := filepath.Join(dir, "models", "bundle.json")
		writeJSON(t, primary, testBundle())

		h := NewLoader(domain.ModelConfig{PrimaryPath: primary, SecondaryPath: filepath.Join(dir, "missing.json")}, nil, nil).Load(ctx)

		if h.Source() != primary {
			t.Errorf("expected source %s, got %s", primary, h.Source())
		}
		if h.Active() != FamilyRandomForest {
			t.Errorf("expected random_forest active, got %s", h.Active())
		}
		if _, ok := h.Variant(FamilyIsolationForest); !ok {
			t.Error("expected synthetic anomaly model attached as last rung")
		}
		if len(h.Schema()) != 2 {
			t.Errorf("expected schema of 2, got %d", len(h.Schema()))
		}
	})

	t.Run("CorruptPrimaryFallsToSecondary", func(t *testing.T) {
		dir := t.TempDir()
		primary := filepath.Join(dir, "primary.json")
		secondary := filepath.Join(dir, "secondary.json")
		if err := os.WriteFile(primary, []byte("{not json"), 0644); err != nil {
			t.Fatal(err)
		}
		b := testBundle()
		b.RFModel = nil
		b.XGBModel = &TreeEnsemble{Kind: EnsembleBoosted, NFeatures: 2, Trees: []Tree{stump(0, 0.5, -2, 2)}}
		writeJSON(t, secondary, b)

		h := NewLoader(domain.ModelConfig{PrimaryPath: primary, SecondaryPath: secondary}, nil, nil).Load(ctx)

		if h.Source() != secondary {
			t.Errorf("expected secondary source, got %s", h.Source())
		}
		if h.Active() != FamilyXGBoost {
			t.Errorf("expected xgboost active, got %s", h.Active())
		}
	})

	t.Run("StructurallyInvalidBundleSkipped", func(t *testing.T) {
		dir := t.TempDir()
		primary := filepath.Join(dir, "primary.json")
		b := testBundle()
		b.RFModel = &TreeEnsemble{Kind: EnsembleForest, NFeatures: 2, Trees: []Tree{stump(9, 0, 0, 1)}}
		writeJSON(t, primary, b)

		h := NewLoader(domain.ModelConfig{PrimaryPath: primary}, nil, nil).Load(ctx)
		if h.Source() != SourceSynthetic {
			t.Errorf("expected synthetic fallback, got %s", h.Source())
		}
	})

	t.Run("LegacyPair", func(t *testing.T) {
		dir := t.TempDir()
		forest, scaler, err := SyntheticBaseline(7)
		if err != nil {
			t.Fatal(err)
		}
		modelPath := filepath.Join(dir, "fraud_model.json")
		scalerPath := filepath.Join(dir, "fraud_scaler.json")
		writeJSON(t, modelPath, forest)
		writeJSON(t, scalerPath, scaler)

		h := NewLoader(domain.ModelConfig{
			PrimaryPath:      filepath.Join(dir, "none.json"),
			LegacyModelPath:  modelPath,
			LegacyScalerPath: scalerPath,
		}, nil, nil).Load(ctx)

		if h.Source() != modelPath {
			t.Errorf("expected legacy source, got %s", h.Source())
		}
		if h.Active() != FamilyIsolationForest {
			t.Errorf("expected isolation_forest active, got %s", h.Active())
		}
	})

	t.Run("NothingFoundUsesSynthetic", func(t *testing.T) {
		dir := t.TempDir()
		h := NewLoader(domain.ModelConfig{
			PrimaryPath:   filepath.Join(dir, "a.json"),
			SecondaryPath: filepath.Join(dir, "b.json"),
		}, nil, nil).Load(ctx)

		if h.Source() != SourceSynthetic {
			t.Errorf("expected synthetic source, got %s", h.Source())
		}
		if h.Active() != FamilyIsolationForest {
			t.Errorf("expected isolation_forest active, got %s", h.Active())
		}
		if len(h.Schema()) != 0 {
			t.Errorf("synthetic handle should have no schema, got %v", h.Schema())
		}
	})
}

func TestDecodeBundle(t *testing.T) {
	t.Run("NoModels", func(t *testing.T) {
		if _, err := DecodeBundle([]byte(`{"feature_names":["a"]}`)); err == nil {
			t.Error("expected error for bundle without models")
		}
	})

	t.Run("SupervisedNeedsSchema", func(t *testing.T) {
		b := testBundle()
		b.FeatureNames = nil
		data, _ := json.Marshal(b)
		if _, err := DecodeBundle(data); err == nil {
			t.Error("expected error for supervised bundle without schema")
		}
	})

	t.Run("BestModelNameDefaults", func(t *testing.T) {
		b := testBundle()
		b.BestModel = testForest(2)
		b.BestModelName = ""
		data, _ := json.Marshal(b)
		decoded, err := DecodeBundle(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		v, ok := decoded.Handle("x").Variant(FamilyBest)
		if !ok || v.ModelType() != "random_forest" {
			t.Errorf("expected best model labelled random_forest, got %v", v)
		}
	})
}

type fakeS3 struct {
	objects map[string][]byte
	err     error
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[*params.Bucket+"/"+*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Source(t *testing.T) {
	ctx := context.Background()
	data, _ := json.Marshal(testBundle())
	client := &fakeS3{objects: map[string][]byte{"models/prod/bundle.json": data}}
	source := RoutingSource{S3: NewS3SourceWithClient(client)}

	t.Run("Read", func(t *testing.T) {
		got, err := source.Read(ctx, "s3://models/prod/bundle.json")
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("unexpected object contents")
		}
	})

	t.Run("MissingKeyIsNotFound", func(t *testing.T) {
		_, err := source.Read(ctx, "s3://models/prod/other.json")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("LoaderUsesS3", func(t *testing.T) {
		h := NewLoaderWithCandidates([]Candidate{{Name: "primary", Location: "s3://models/prod/bundle.json"}}, source, 42, nil).Load(ctx)
		if h.Active() != FamilyRandomForest {
			t.Errorf("expected random_forest from s3 bundle, got %s", h.Active())
		}
	})

	t.Run("NoS3Configured", func(t *testing.T) {
		_, err := RoutingSource{}.Read(ctx, "s3://bucket/key")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ParseURI", func(t *testing.T) {
		if _, _, err := ParseS3URI("s3://bucket-only"); err == nil {
			t.Error("expected error for uri without key")
		}
		bucket, key, err := ParseS3URI("s3://b/k/with/slashes.json")
		if err != nil || bucket != "b" || key != "k/with/slashes.json" {
			t.Errorf("unexpected parse: %s %s %v", bucket, key, err)
		}
	})
}
