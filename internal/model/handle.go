package model

import "errors"

var (
	ErrNotFound        = errors.New("artifact not found")
	ErrFeatureMismatch = errors.New("feature dimension mismatch")
)

// Family names a model family that can appear in an artifact.
type Family string

const (
	FamilyBest            Family = "best"
	FamilyXGBoost         Family = "xgboost"
	FamilyLightGBM        Family = "lightgbm"
	FamilyRandomForest    Family = "random_forest"
	FamilyIsolationForest Family = "isolation_forest"
)

// Ladder is the order in which families are attempted at inference time.
var Ladder = []Family{FamilyBest, FamilyXGBoost, FamilyLightGBM, FamilyRandomForest, FamilyIsolationForest}

// SelectionPriority is the order in which the active family is chosen at load time.
var SelectionPriority = []Family{FamilyBest, FamilyRandomForest, FamilyXGBoost, FamilyLightGBM, FamilyIsolationForest}

// Variant is one loaded model family. Supervised and Anomaly are the only
// implementations.
type Variant interface {
	Family() Family
	ModelType() string
	isVariant()
}

// ProbabilisticModel predicts the fraud-class probability of a vector.
type ProbabilisticModel interface {
	PredictProba(x []float64) (float64, error)
}

// AnomalyModel scores a vector; lower scores are more anomalous.
type AnomalyModel interface {
	ScoreSample(x []float64) (float64, error)
	IsOutlier(score float64) bool
}

// Supervised is a classifier over the named, schema-ordered feature vector.
type Supervised struct {
	Kind  Family
	Label string
	Model ProbabilisticModel
}

func (v Supervised) Family() Family { return v.Kind }

// ModelType is the label reported on results, defaulting to the family name.
func (v Supervised) ModelType() string {
	if v.Label != "" {
		return v.Label
	}
	return string(v.Kind)
}

func (Supervised) isVariant() {}

// Anomaly is an unsupervised model over the legacy vector with its own scaler.
type Anomaly struct {
	Model  AnomalyModel
	Scaler *Scaler
}

func (Anomaly) Family() Family { return FamilyIsolationForest }

func (Anomaly) ModelType() string { return string(FamilyIsolationForest) }

func (Anomaly) isVariant() {}

// Handle is the immutable set of loaded models. It is built once at
// startup and shared by every request.
type Handle struct {
	variants map[Family]Variant
	active   Family
	schema   []string
	scaler   *Scaler
	source   string
}

// NewHandle builds a handle and selects the active family by
// SelectionPriority. Later variants of the same family replace earlier ones.
func NewHandle(source string, schema []string, scaler *Scaler, variants ...Variant) *Handle {
	h := &Handle{
		variants: make(map[Family]Variant, len(variants)),
		schema:   append([]string(nil), schema...),
		scaler:   scaler,
		source:   source,
	}
	for _, v := range variants {
		if v != nil {
			h.variants[v.Family()] = v
		}
	}
	for _, f := range SelectionPriority {
		if _, ok := h.variants[f]; ok {
			h.active = f
			break
		}
	}
	return h
}

// Active returns the family chosen at load time, or "" for an empty handle.
func (h *Handle) Active() Family {
	return h.active
}

// Source returns where the handle was loaded from.
func (h *Handle) Source() string {
	return h.source
}

// Schema returns a copy of the named feature schema.
func (h *Handle) Schema() []string {
	return append([]string(nil), h.schema...)
}

// Scaler returns the scaler for the named feature vector.
func (h *Handle) Scaler() *Scaler {
	return h.scaler
}

// Variant returns the loaded variant for a family.
func (h *Handle) Variant(f Family) (Variant, bool) {
	v, ok := h.variants[f]
	return v, ok
}

// Families returns the loaded families in ladder order.
func (h *Handle) Families() []Family {
	var out []Family
	for _, f := range Ladder {
		if _, ok := h.variants[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Chain returns the variants to attempt, starting at the active family
// and walking down the ladder.
func (h *Handle) Chain() []Variant {
	start := -1
	for i, f := range Ladder {
		if f == h.active {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	var chain []Variant
	for _, f := range Ladder[start:] {
		if v, ok := h.variants[f]; ok {
			chain = append(chain, v)
		}
	}
	return chain
}

// Info summarises a handle for display.
type Info struct {
	Active     Family   `json:"active"`
	ModelType  string   `json:"modelType"`
	Source     string   `json:"source"`
	Families   []Family `json:"families"`
	Chain      []string `json:"chain"`
	SchemaSize int      `json:"schemaSize"`
}

// Describe returns display information about the handle.
func (h *Handle) Describe() Info {
	info := Info{
		Active:     h.active,
		Source:     h.source,
		Families:   h.Families(),
		SchemaSize: len(h.schema),
	}
	if v, ok := h.variants[h.active]; ok {
		info.ModelType = v.ModelType()
	}
	for _, v := range h.Chain() {
		info.Chain = append(info.Chain, v.ModelType())
	}
	return info
}
