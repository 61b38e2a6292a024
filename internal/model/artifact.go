package model

import (
	"encoding/json"
	"fmt"
)

// Bundle is the serialised multi-model artifact written by the training
// pipeline. Absent keys mean the family is unavailable.
type Bundle struct {
	FeatureNames  []string      `json:"feature_names"`
	Scaler        *Scaler       `json:"scaler"`
	BestModelName string        `json:"best_model_name"`
	BestModel     *TreeEnsemble `json:"best_model"`
	RFModel       *TreeEnsemble `json:"rf_model"`
	XGBModel      *TreeEnsemble `json:"xgb_model"`
	LGBModel      *TreeEnsemble `json:"lgb_model"`

	IsolationForest *IsolationForest `json:"isolation_forest"`
	IsolationScaler *Scaler          `json:"isolation_scaler"`
}

// DecodeBundle parses and structurally validates a bundle. Feature count
// agreement between schema, scaler and models is left to inference time.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}

	supervised := map[string]*TreeEnsemble{
		"best_model": b.BestModel,
		"rf_model":   b.RFModel,
		"xgb_model":  b.XGBModel,
		"lgb_model":  b.LGBModel,
	}

	hasModel := false
	hasSupervised := false
	for key, m := range supervised {
		if m == nil {
			continue
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("decode bundle: %s: %w", key, err)
		}
		hasModel = true
		hasSupervised = true
	}

	if b.IsolationForest != nil {
		if err := b.IsolationForest.Validate(); err != nil {
			return nil, fmt.Errorf("decode bundle: isolation_forest: %w", err)
		}
		hasModel = true
	}

	if !hasModel {
		return nil, fmt.Errorf("decode bundle: no model families present")
	}
	if hasSupervised && len(b.FeatureNames) == 0 {
		return nil, fmt.Errorf("decode bundle: supervised models need feature_names")
	}
	if b.Scaler != nil {
		if err := b.Scaler.Validate(); err != nil {
			return nil, fmt.Errorf("decode bundle: scaler: %w", err)
		}
	}
	if b.IsolationScaler != nil {
		if err := b.IsolationScaler.Validate(); err != nil {
			return nil, fmt.Errorf("decode bundle: isolation_scaler: %w", err)
		}
	}

	return &b, nil
}

// Handle converts the bundle into an immutable handle.
func (b *Bundle) Handle(source string) *Handle {
	var variants []Variant

	if b.BestModel != nil {
		label := b.BestModelName
		if label == "" {
			label = string(FamilyRandomForest)
		}
		variants = append(variants, Supervised{Kind: FamilyBest, Label: label, Model: b.BestModel})
	}
	if b.RFModel != nil {
		variants = append(variants, Supervised{Kind: FamilyRandomForest, Model: b.RFModel})
	}
	if b.XGBModel != nil {
		variants = append(variants, Supervised{Kind: FamilyXGBoost, Model: b.XGBModel})
	}
	if b.LGBModel != nil {
		variants = append(variants, Supervised{Kind: FamilyLightGBM, Model: b.LGBModel})
	}
	if b.IsolationForest != nil {
		variants = append(variants, Anomaly{Model: b.IsolationForest, Scaler: b.IsolationScaler})
	}

	return NewHandle(source, b.FeatureNames, b.Scaler, variants...)
}

// DecodeLegacy parses the legacy anomaly model and scaler pair.
func DecodeLegacy(modelData, scalerData []byte) (*IsolationForest, *Scaler, error) {
	var forest IsolationForest
	if err := json.Unmarshal(modelData, &forest); err != nil {
		return nil, nil, fmt.Errorf("decode legacy model: %w", err)
	}
	if err := forest.Validate(); err != nil {
		return nil, nil, fmt.Errorf("decode legacy model: %w", err)
	}

	var scaler Scaler
	if err := json.Unmarshal(scalerData, &scaler); err != nil {
		return nil, nil, fmt.Errorf("decode legacy scaler: %w", err)
	}
	if err := scaler.Validate(); err != nil {
		return nil, nil, fmt.Errorf("decode legacy scaler: %w", err)
	}

	return &forest, &scaler, nil
}
