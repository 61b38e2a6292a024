package model

import (
	"fmt"
	"math"
)

// Scaler standardises a vector: (x - mean) / scale.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler computes per-column mean and population standard deviation.
// Constant columns get a scale of 1.
func FitScaler(rows [][]float64) (*Scaler, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("fit scaler: no rows")
	}
	dim := len(rows[0])
	mean := make([]float64, dim)
	scale := make([]float64, dim)

	for _, r := range rows {
		if len(r) != dim {
			return nil, fmt.Errorf("fit scaler: %w: row has %d columns, want %d", ErrFeatureMismatch, len(r), dim)
		}
		for j, v := range r {
			mean[j] += v
		}
	}
	n := float64(len(rows))
	for j := range mean {
		mean[j] /= n
	}

	for _, r := range rows {
		for j, v := range r {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}

	return &Scaler{Mean: mean, Scale: scale}, nil
}

// Dim returns the expected vector length.
func (s *Scaler) Dim() int {
	return len(s.Mean)
}

// Validate checks that mean and scale agree.
func (s *Scaler) Validate() error {
	if len(s.Mean) == 0 {
		return fmt.Errorf("scaler has no columns")
	}
	if len(s.Mean) != len(s.Scale) {
		return fmt.Errorf("scaler mean has %d columns, scale has %d", len(s.Mean), len(s.Scale))
	}
	return nil
}

// Transform returns a standardised copy of x. A nil scaler is the identity.
func (s *Scaler) Transform(x []float64) ([]float64, error) {
	out := make([]float64, len(x))
	if s == nil {
		copy(out, x)
		return out, nil
	}
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("%w: scaler expects %d features, got %d", ErrFeatureMismatch, len(s.Mean), len(x))
	}
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out, nil
}
