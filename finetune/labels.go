// Package finetune layers ordinal target heads, long-document chunking and
// prediction aggregation on top of the emb featurizer, plus the model
// orchestration that ties them together.
package finetune

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrDegenerateLabels means the training labels collapse to fewer than two
// distinct values, so no ordered decision can be learned.
var ErrDegenerateLabels = errors.New("ordinal label space needs at least two distinct values")

// LabelCodec is the bijection between the task's label space and dense
// ranks 0..K-1. Labels sort ascending, so rank order is label order.
type LabelCodec struct {
	classes []float64
	ranks   map[float64]int
}

// Fit builds the codec from training labels.
func (c *LabelCodec) Fit(labels []float64) error {
	seen := make(map[float64]struct{}, len(labels))
	classes := make([]float64, 0, len(labels))
	for _, lab := range labels {
		if math.IsNaN(lab) {
			return errors.New("label codec: NaN label")
		}
		if _, ok := seen[lab]; ok {
			continue
		}
		seen[lab] = struct{}{}
		classes = append(classes, lab)
	}
	if len(classes) < 2 {
		return ErrDegenerateLabels
	}
	sort.Float64s(classes)
	ranks := make(map[float64]int, len(classes))
	for i, lab := range classes {
		ranks[lab] = i
	}
	c.classes = classes
	c.ranks = ranks
	return nil
}

// NumClasses returns K.
func (c *LabelCodec) NumClasses() int {
	return len(c.classes)
}

// Classes returns the sorted label space.
func (c *LabelCodec) Classes() []float64 {
	return append([]float64(nil), c.classes...)
}

// Rank maps a label to its dense rank.
func (c *LabelCodec) Rank(label float64) (int, error) {
	r, ok := c.ranks[label]
	if !ok {
		return 0, fmt.Errorf("label codec: label %v is not in the fitted space %v", label, c.classes)
	}
	return r, nil
}

// Label maps a dense rank back to its label.
func (c *LabelCodec) Label(rank int) (float64, error) {
	if rank < 0 || rank >= len(c.classes) {
		return 0, fmt.Errorf("label codec: rank %d out of range [0,%d)", rank, len(c.classes))
	}
	return c.classes[rank], nil
}

// Thresholds expands a rank into its K-1 binary threshold targets:
// target k is 1 exactly when the rank exceeds k.
func (c *LabelCodec) Thresholds(rank int) ([]float32, error) {
	if rank < 0 || rank >= len(c.classes) {
		return nil, fmt.Errorf("label codec: rank %d out of range [0,%d)", rank, len(c.classes))
	}
	targets := make([]float32, len(c.classes)-1)
	for k := 0; k < rank; k++ {
		targets[k] = 1
	}
	return targets, nil
}
