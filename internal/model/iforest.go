package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

const eulerGamma = 0.5772156649015329

// IsoNode is one node of an isolation tree. Leaves have Left == -1 and
// record how many training samples reached them.
type IsoNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Size      int     `json:"size"`
}

// IsoTree is an isolation tree stored as a flat node array rooted at 0.
type IsoTree struct {
	Nodes []IsoNode `json:"nodes"`
}

// IsolationForest is an anomaly model. Scores follow the usual
// convention: lower is more anomalous, and a sample is an outlier when
// its score falls below Offset.
type IsolationForest struct {
	NFeatures  int       `json:"n_features"`
	MaxSamples int       `json:"max_samples"`
	Offset     float64   `json:"offset"`
	Trees      []IsoTree `json:"trees"`
}

// IsolationConfig controls FitIsolationForest.
type IsolationConfig struct {
	Trees         int
	MaxSamples    int
	Contamination float64
	Seed          int64
}

// DefaultIsolationConfig mirrors the synthetic baseline model settings.
func DefaultIsolationConfig() IsolationConfig {
	return IsolationConfig{
		Trees:         100,
		MaxSamples:    256,
		Contamination: 0.1,
		Seed:          42,
	}
}

// Validate checks the forest structure.
func (f *IsolationForest) Validate() error {
	if f.NFeatures <= 0 {
		return fmt.Errorf("isolation forest declares %d features", f.NFeatures)
	}
	if f.MaxSamples <= 0 {
		return fmt.Errorf("isolation forest declares %d max samples", f.MaxSamples)
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("isolation forest has no trees")
	}
	for t, tree := range f.Trees {
		n := len(tree.Nodes)
		if n == 0 {
			return fmt.Errorf("isolation tree %d has no nodes", t)
		}
		for i, node := range tree.Nodes {
			if node.Left == -1 {
				continue
			}
			if node.Feature < 0 || node.Feature >= f.NFeatures {
				return fmt.Errorf("isolation tree %d node %d: feature %d out of range", t, i, node.Feature)
			}
			if node.Left <= i || node.Left >= n || node.Right <= i || node.Right >= n {
				return fmt.Errorf("isolation tree %d node %d: bad children %d/%d", t, i, node.Left, node.Right)
			}
		}
	}
	return nil
}

// ScoreSample returns the anomaly score of x, in [-1, 0).
func (f *IsolationForest) ScoreSample(x []float64) (float64, error) {
	if len(x) != f.NFeatures {
		return 0, fmt.Errorf("%w: isolation forest expects %d features, got %d", ErrFeatureMismatch, f.NFeatures, len(x))
	}
	if len(f.Trees) == 0 {
		return 0, fmt.Errorf("isolation forest has no trees")
	}

	var total float64
	for _, tree := range f.Trees {
		d, err := tree.pathLength(x)
		if err != nil {
			return 0, err
		}
		total += d
	}
	mean := total / float64(len(f.Trees))

	norm := averagePathLength(f.MaxSamples)
	if norm == 0 {
		norm = 1
	}
	return -math.Pow(2, -mean/norm), nil
}

// IsOutlier reports whether a score from ScoreSample marks an outlier.
func (f *IsolationForest) IsOutlier(score float64) bool {
	return score < f.Offset
}

func (t IsoTree) pathLength(x []float64) (float64, error) {
	i, depth := 0, 0
	for depth <= len(t.Nodes) {
		if i < 0 || i >= len(t.Nodes) {
			return 0, fmt.Errorf("isolation node index %d out of range", i)
		}
		node := t.Nodes[i]
		if node.Left == -1 {
			return float64(depth) + averagePathLength(node.Size), nil
		}
		if node.Feature < 0 || node.Feature >= len(x) {
			return 0, fmt.Errorf("%w: isolation node feature %d", ErrFeatureMismatch, node.Feature)
		}
		if x[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
		depth++
	}
	return 0, fmt.Errorf("isolation tree walk did not terminate")
}

// averagePathLength is the expected path length of an unsuccessful
// binary search tree lookup over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// FitIsolationForest trains a forest on rows. Training is deterministic
// for a given config seed.
func FitIsolationForest(rows [][]float64, cfg IsolationConfig) (*IsolationForest, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("fit isolation forest: no rows")
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 0.5 {
		cfg.Contamination = 0.1
	}
	dim := len(rows[0])
	for _, r := range rows {
		if len(r) != dim {
			return nil, fmt.Errorf("fit isolation forest: %w: ragged rows", ErrFeatureMismatch)
		}
	}

	sampleSize := cfg.MaxSamples
	if sampleSize <= 0 || sampleSize > len(rows) {
		sampleSize = min(256, len(rows))
	}
	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(sampleSize), 2))))

	rng := rand.New(rand.NewSource(cfg.Seed))
	forest := &IsolationForest{
		NFeatures:  dim,
		MaxSamples: sampleSize,
		Trees:      make([]IsoTree, cfg.Trees),
	}

	for t := range forest.Trees {
		perm := rng.Perm(len(rows))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for i, idx := range perm {
			sample[i] = rows[idx]
		}
		b := &isoBuilder{rng: rng, dim: dim, maxDepth: maxDepth}
		b.build(sample, 0)
		forest.Trees[t] = IsoTree{Nodes: b.nodes}
	}

	scores := make([]float64, len(rows))
	for i, r := range rows {
		s, err := forest.ScoreSample(r)
		if err != nil {
			return nil, err
		}
		scores[i] = s
	}
	forest.Offset = percentile(scores, 100*cfg.Contamination)

	return forest, nil
}

type isoBuilder struct {
	rng      *rand.Rand
	dim      int
	maxDepth int
	nodes    []IsoNode
}

// build appends the subtree for rows in pre-order and returns its root index.
func (b *isoBuilder) build(rows [][]float64, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, IsoNode{Left: -1, Right: -1, Size: len(rows)})

	if depth >= b.maxDepth || len(rows) <= 1 {
		return idx
	}

	// Try features in random order until one is not constant.
	for _, feature := range b.rng.Perm(b.dim) {
		lo, hi := rows[0][feature], rows[0][feature]
		for _, r := range rows[1:] {
			lo = math.Min(lo, r[feature])
			hi = math.Max(hi, r[feature])
		}
		if lo == hi {
			continue
		}

		threshold := lo + b.rng.Float64()*(hi-lo)
		var left, right [][]float64
		for _, r := range rows {
			if r[feature] <= threshold {
				left = append(left, r)
			} else {
				right = append(right, r)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}

		l := b.build(left, depth+1)
		r := b.build(right, depth+1)
		b.nodes[idx] = IsoNode{Feature: feature, Threshold: threshold, Left: l, Right: r, Size: len(rows)}
		return idx
	}

	return idx
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
