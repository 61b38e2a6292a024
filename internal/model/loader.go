package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SourceSynthetic labels a handle built from the synthetic baseline.
const SourceSynthetic = "synthetic"

// Candidate is one place an artifact may be found.
type Candidate struct {
	Name string

	// Location of a bundle, or of the anomaly model for a legacy pair.
	Location string

	// ScalerLocation is set only for the legacy pair.
	ScalerLocation string
}

func (c Candidate) legacy() bool {
	return c.ScalerLocation != ""
}

// Loader resolves the classifier artifact once at startup.
type Loader struct {
	candidates []Candidate
	source     Source
	seed       int64
	logger     *slog.Logger
}

// NewLoader creates a loader over the configured candidates: primary,
// secondary, then the legacy pair. Empty locations are skipped.
func NewLoader(cfg domain.ModelConfig, source Source, logger *slog.Logger) *Loader {
	var candidates []Candidate
	if cfg.PrimaryPath != "" {
		candidates = append(candidates, Candidate{Name: "primary", Location: cfg.PrimaryPath})
	}
	if cfg.SecondaryPath != "" {
		candidates = append(candidates, Candidate{Name: "secondary", Location: cfg.SecondaryPath})
	}
	if cfg.LegacyModelPath != "" && cfg.LegacyScalerPath != "" {
		candidates = append(candidates, Candidate{
			Name:           "legacy",
			Location:       cfg.LegacyModelPath,
			ScalerLocation: cfg.LegacyScalerPath,
		})
	}
	return NewLoaderWithCandidates(candidates, source, cfg.DefaultSeed, logger)
}

// NewLoaderWithCandidates creates a loader over an explicit candidate list.
func NewLoaderWithCandidates(candidates []Candidate, source Source, seed int64, logger *slog.Logger) *Loader {
	if source == nil {
		source = FileSource{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if seed == 0 {
		seed = 42
	}
	return &Loader{
		candidates: candidates,
		source:     source,
		seed:       seed,
		logger:     logger,
	}
}

// Load returns the first candidate that reads and decodes, or a handle
// around the synthetic baseline model. It never fails.
func (l *Loader) Load(ctx context.Context) *Handle {
	for _, c := range l.candidates {
		h, err := l.loadCandidate(ctx, c)
		if errors.Is(err, ErrNotFound) {
			l.logger.Debug("model artifact not found", "candidate", c.Name, "location", c.Location)
			continue
		}
		if err != nil {
			l.logger.Warn("failed to load model artifact", "candidate", c.Name, "location", c.Location, "error", err)
			continue
		}

		// Every handle keeps an anomaly model as the last rung.
		if _, ok := h.Variant(FamilyIsolationForest); !ok {
			if anomaly, err := l.syntheticAnomaly(); err == nil {
				h = withVariant(h, anomaly)
			} else {
				l.logger.Warn("failed to build synthetic anomaly model", "error", err)
			}
		}

		l.logger.Info("loaded model artifact",
			"candidate", c.Name,
			"location", c.Location,
			"active", h.Active(),
			"families", h.Families(),
		)
		return h
	}

	l.logger.Info("no trained model found, using synthetic baseline", "seed", l.seed)
	anomaly, err := l.syntheticAnomaly()
	if err != nil {
		l.logger.Error("failed to build synthetic anomaly model", "error", err)
		return NewHandle(SourceSynthetic, nil, nil)
	}
	return NewHandle(SourceSynthetic, nil, nil, anomaly)
}

func (l *Loader) loadCandidate(ctx context.Context, c Candidate) (*Handle, error) {
	data, err := l.source.Read(ctx, c.Location)
	if err != nil {
		return nil, err
	}

	if !c.legacy() {
		bundle, err := DecodeBundle(data)
		if err != nil {
			return nil, err
		}
		return bundle.Handle(c.Location), nil
	}

	scalerData, err := l.source.Read(ctx, c.ScalerLocation)
	if err != nil {
		return nil, err
	}
	forest, scaler, err := DecodeLegacy(data, scalerData)
	if err != nil {
		return nil, err
	}
	return NewHandle(c.Location, nil, nil, Anomaly{Model: forest, Scaler: scaler}), nil
}

func (l *Loader) syntheticAnomaly() (Anomaly, error) {
	forest, scaler, err := SyntheticBaseline(l.seed)
	if err != nil {
		return Anomaly{}, err
	}
	return Anomaly{Model: forest, Scaler: scaler}, nil
}

func withVariant(h *Handle, v Variant) *Handle {
	variants := make([]Variant, 0, len(h.variants)+1)
	for _, f := range Ladder {
		if existing, ok := h.variants[f]; ok {
			variants = append(variants, existing)
		}
	}
	variants = append(variants, v)
	return NewHandle(h.source, h.schema, h.scaler, variants...)
}

// syntheticColumns shapes standard normal draws into plausible legacy
// feature ranges: |z|*mul + add per column.
var syntheticColumns = [8]struct{ mul, add float64 }{
	{100, 0},
	{5, 1},
	{10000, 5000},
	{10, 0},
	{5, 0},
	{24, 0},
	{10, 0},
	{100, 0},
}

// SyntheticRows generates the deterministic baseline training set over
// the legacy feature space.
func SyntheticRows(seed int64, n int) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	rows := make([][]float64, n)
	for i := range rows {
		row := make([]float64, len(syntheticColumns))
		for j := range row {
			row[j] = math.Abs(rng.NormFloat64())*syntheticColumns[j].mul + syntheticColumns[j].add
		}
		rows[i] = row
	}
	return rows
}

// SyntheticBaseline fits the default anomaly model and its scaler on
// 1000 synthetic rows.
func SyntheticBaseline(seed int64) (*IsolationForest, *Scaler, error) {
	rows := SyntheticRows(seed, 1000)

	scaler, err := FitScaler(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("synthetic baseline: %w", err)
	}

	scaled := make([][]float64, len(rows))
	for i, r := range rows {
		if scaled[i], err = scaler.Transform(r); err != nil {
			return nil, nil, fmt.Errorf("synthetic baseline: %w", err)
		}
	}

	cfg := DefaultIsolationConfig()
	cfg.Seed = seed
	forest, err := FitIsolationForest(scaled, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("synthetic baseline: %w", err)
	}
	return forest, scaler, nil
}
