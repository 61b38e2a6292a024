package model

import (
	"fmt"
	"math"
)

// EnsembleKind selects how tree outputs combine into a probability.
type EnsembleKind string

const (
	// EnsembleForest averages leaf probabilities.
	EnsembleForest EnsembleKind = "forest"

	// EnsembleBoosted sums leaf margins onto a base score and applies a sigmoid.
	EnsembleBoosted EnsembleKind = "boosted"
)

// TreeNode is one node of a binary decision tree. Leaves have Left == -1.
// Samples with x[Feature] <= Threshold go left.
type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// Tree is a decision tree stored as a flat node array rooted at index 0.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// TreeEnsemble is a serialised forest or gradient-boosted model for
// binary classification.
type TreeEnsemble struct {
	Kind      EnsembleKind `json:"kind"`
	NFeatures int          `json:"n_features"`
	BaseScore float64      `json:"base_score"`
	Trees     []Tree       `json:"trees"`
}

// Validate checks the ensemble structure. Child indices must point past
// their parent, which also rules out cycles.
func (e *TreeEnsemble) Validate() error {
	if e.Kind != EnsembleForest && e.Kind != EnsembleBoosted {
		return fmt.Errorf("unknown ensemble kind %q", e.Kind)
	}
	if e.NFeatures <= 0 {
		return fmt.Errorf("ensemble declares %d features", e.NFeatures)
	}
	if len(e.Trees) == 0 {
		return fmt.Errorf("ensemble has no trees")
	}
	for t, tree := range e.Trees {
		n := len(tree.Nodes)
		if n == 0 {
			return fmt.Errorf("tree %d has no nodes", t)
		}
		for i, node := range tree.Nodes {
			if node.Left == -1 {
				continue
			}
			if node.Feature < 0 || node.Feature >= e.NFeatures {
				return fmt.Errorf("tree %d node %d: feature %d out of range", t, i, node.Feature)
			}
			if node.Left <= i || node.Left >= n || node.Right <= i || node.Right >= n {
				return fmt.Errorf("tree %d node %d: bad children %d/%d", t, i, node.Left, node.Right)
			}
		}
	}
	return nil
}

// PredictProba returns the probability of the positive (fraud) class.
func (e *TreeEnsemble) PredictProba(x []float64) (float64, error) {
	if len(x) != e.NFeatures {
		return 0, fmt.Errorf("%w: model expects %d features, got %d", ErrFeatureMismatch, e.NFeatures, len(x))
	}
	if len(e.Trees) == 0 {
		return 0, fmt.Errorf("ensemble has no trees")
	}

	var sum float64
	for _, tree := range e.Trees {
		v, err := tree.leafValue(x)
		if err != nil {
			return 0, err
		}
		sum += v
	}

	var p float64
	switch e.Kind {
	case EnsembleBoosted:
		p = 1 / (1 + math.Exp(-(e.BaseScore + sum)))
	default:
		p = sum / float64(len(e.Trees))
	}

	if math.IsNaN(p) {
		return 0, fmt.Errorf("ensemble produced NaN")
	}
	return math.Max(0, math.Min(1, p)), nil
}

func (t Tree) leafValue(x []float64) (float64, error) {
	i := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		if i < 0 || i >= len(t.Nodes) {
			return 0, fmt.Errorf("node index %d out of range", i)
		}
		node := t.Nodes[i]
		if node.Left == -1 {
			return node.Value, nil
		}
		if node.Feature < 0 || node.Feature >= len(x) {
			return 0, fmt.Errorf("%w: node feature %d", ErrFeatureMismatch, node.Feature)
		}
		if x[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
	}
	return 0, fmt.Errorf("tree walk did not terminate")
}
