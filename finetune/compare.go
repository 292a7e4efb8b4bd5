package finetune

import (
	"fmt"

	"seqtune/emb"
)

// SymmetricReduce collapses the features of a pair's two orderings into
// one order-free representation: elementwise |a+b|. Addition commutes, so
// swapping the orderings yields bit-identical output.
func SymmetricReduce(a, b []float32) ([]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("symmetric reduce: widths %d and %d differ", len(a), len(b))
	}
	out := make([]float32, len(a))
	for i := range a {
		v := a[i] + b[i]
		if v < 0 {
			v = -v
		}
		out[i] = v
	}
	return out, nil
}

// SymmetricReduceSeq applies SymmetricReduce position-wise to per-token
// features of the two orderings.
func SymmetricReduceSeq(a, b [][]float32) ([][]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("symmetric reduce: sequence lengths %d and %d differ", len(a), len(b))
	}
	out := make([][]float32, len(a))
	for i := range a {
		row, err := SymmetricReduce(a[i], b[i])
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		out[i] = row
	}
	return out, nil
}

// ComparisonHead ranks document pairs on an ordinal scale. It consumes
// featurizer output with leading shape [n,2] (both orderings of each pair
// as consecutive rows), reduces each pair symmetrically and scores the
// result with a plain ordinal head.
type ComparisonHead struct {
	head *OrdinalHead
}

// NewComparisonHead builds the head for K ordered classes over features of
// the given hidden size.
func NewComparisonHead(hidden, classes int, shared bool) (*ComparisonHead, error) {
	head, err := NewOrdinalHead(hidden, classes, shared)
	if err != nil {
		return nil, err
	}
	return &ComparisonHead{head: head}, nil
}

// Head exposes the wrapped ordinal head.
func (c *ComparisonHead) Head() *OrdinalHead {
	return c.head
}

// ReduceState folds the pooled features of a [n,2] output state into one
// symmetric feature row per pair.
func (c *ComparisonHead) ReduceState(state *emb.OutputState) ([][]float32, error) {
	if len(state.Leading) != 2 || state.Leading[1] != 2 {
		return nil, fmt.Errorf("comparison head: leading shape %v, want [n 2]", state.Leading)
	}
	groups := state.PooledGroups()
	out := make([][]float32, len(groups))
	for i, g := range groups {
		reduced, err := SymmetricReduce(g[0], g[1])
		if err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
		out[i] = reduced
	}
	return out, nil
}

// ReduceSequences folds the per-token features of a [n,2] output state
// into one symmetric sequence per pair.
func (c *ComparisonHead) ReduceSequences(state *emb.OutputState) ([][][]float32, error) {
	if len(state.Leading) != 2 || state.Leading[1] != 2 {
		return nil, fmt.Errorf("comparison head: leading shape %v, want [n 2]", state.Leading)
	}
	groups := state.SequenceGroups()
	out := make([][][]float32, len(groups))
	for i, g := range groups {
		reduced, err := SymmetricReduceSeq(g[0], g[1])
		if err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
		out[i] = reduced
	}
	return out, nil
}

// Predict returns the dense rank of each pair.
func (c *ComparisonHead) Predict(state *emb.OutputState) ([]int, error) {
	features, err := c.ReduceState(state)
	if err != nil {
		return nil, err
	}
	return c.head.Predict(features)
}

// Fit trains the head on reduced pair features. Returns the final loss.
func (c *ComparisonHead) Fit(state *emb.OutputState, ranks []int, opts FitOptions) (float32, error) {
	features, err := c.ReduceState(state)
	if err != nil {
		return 0, err
	}
	return c.head.Fit(features, ranks, opts)
}

// PredictProba always fails: see ErrProbaUnsupported.
func (c *ComparisonHead) PredictProba(*emb.OutputState) ([][]float32, error) {
	return nil, ErrProbaUnsupported
}

// AssemblePairs builds the [n,2] token batch for document pairs: for each
// pair both orderings are emitted as [start] a [delim] b [delim], each side
// truncated to fit maxLen.
func AssemblePairs(aIDs, bIDs [][]int, startID, delimID int, maxLen int) (*emb.TokenBatch, error) {
	if len(aIDs) != len(bIDs) {
		return nil, fmt.Errorf("assemble pairs: %d left documents for %d right documents", len(aIDs), len(bIDs))
	}
	if len(aIDs) == 0 {
		return nil, fmt.Errorf("assemble pairs: empty input")
	}
	// Three special tokens frame the pair; the rest splits evenly.
	budget := maxLen - 3
	if budget < 2 {
		return nil, fmt.Errorf("assemble pairs: max length %d leaves no room for text", maxLen)
	}
	side := budget / 2
	rows := make([][]int64, 0, 2*len(aIDs))
	for i := range aIDs {
		a := truncateIDs(aIDs[i], side)
		b := truncateIDs(bIDs[i], side)
		rows = append(rows, joinPair(a, b, startID, delimID), joinPair(b, a, startID, delimID))
	}
	return &emb.TokenBatch{Leading: []int{len(aIDs), 2}, Rows: rows}, nil
}

func truncateIDs(ids []int, limit int) []int {
	if len(ids) <= limit {
		return ids
	}
	return ids[:limit]
}

func joinPair(first, second []int, startID, delimID int) []int64 {
	row := make([]int64, 0, len(first)+len(second)+3)
	row = append(row, int64(startID))
	for _, id := range first {
		row = append(row, int64(id))
	}
	row = append(row, int64(delimID))
	for _, id := range second {
		row = append(row, int64(id))
	}
	row = append(row, int64(delimID))
	return row
}
