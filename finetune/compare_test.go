package finetune

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"seqtune/emb"
)

func TestSymmetricReduce(t *testing.T) {
	got, err := SymmetricReduce([]float32{1, -2}, []float32{3, -4})
	if err != nil {
		t.Fatalf("SymmetricReduce: %v", err)
	}
	if !reflect.DeepEqual(got, []float32{4, 6}) {
		t.Errorf("reduced = %v, want [4 6]", got)
	}

	if _, err := SymmetricReduce([]float32{1}, []float32{1, 2}); err == nil {
		t.Error("width mismatch should fail")
	}
}

func TestSymmetricReduceIsOrderFree(t *testing.T) {
	a := []float32{0.1, -2.7, 3e-8, 5.25}
	b := []float32{-0.3, 2.7, 1e-8, -1.5}
	ab, err := SymmetricReduce(a, b)
	if err != nil {
		t.Fatalf("SymmetricReduce(a, b): %v", err)
	}
	ba, err := SymmetricReduce(b, a)
	if err != nil {
		t.Fatalf("SymmetricReduce(b, a): %v", err)
	}
	for i := range ab {
		if math.Float32bits(ab[i]) != math.Float32bits(ba[i]) {
			t.Fatalf("position %d differs under swap: %v vs %v", i, ab[i], ba[i])
		}
	}
}

func pairState(pooled [][]float32) *emb.OutputState {
	return &emb.OutputState{
		Pooled:  pooled,
		Leading: []int{len(pooled) / 2, 2},
	}
}

// swapPairs exchanges the two orderings inside every pair.
func swapPairs(pooled [][]float32) [][]float32 {
	out := make([][]float32, len(pooled))
	for i := 0; i < len(pooled); i += 2 {
		out[i], out[i+1] = pooled[i+1], pooled[i]
	}
	return out
}

func TestComparisonPredictIsSymmetric(t *testing.T) {
	c, err := NewComparisonHead(2, 3, false)
	if err != nil {
		t.Fatalf("NewComparisonHead: %v", err)
	}
	mustSetWeights(t, c.Head(), [][]float32{{1, 0}, {0, 1}}, []float32{-3, -5})

	pooled := [][]float32{
		{1, 2}, {3, -1},
		{3, 3}, {3, 3},
	}
	ranks, err := c.Predict(pairState(pooled))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if !reflect.DeepEqual(ranks, []int{1, 2}) {
		t.Fatalf("ranks = %v, want [1 2]", ranks)
	}

	swapped, err := c.Predict(pairState(swapPairs(pooled)))
	if err != nil {
		t.Fatalf("Predict swapped: %v", err)
	}
	if !reflect.DeepEqual(swapped, ranks) {
		t.Errorf("swapping pair orderings changed ranks: %v vs %v", swapped, ranks)
	}

	orig, err := c.ReduceState(pairState(pooled))
	if err != nil {
		t.Fatalf("ReduceState: %v", err)
	}
	flip, err := c.ReduceState(pairState(swapPairs(pooled)))
	if err != nil {
		t.Fatalf("ReduceState swapped: %v", err)
	}
	for i := range orig {
		for j := range orig[i] {
			if math.Float32bits(orig[i][j]) != math.Float32bits(flip[i][j]) {
				t.Fatalf("reduced features not bit-identical at [%d][%d]", i, j)
			}
		}
	}
}

func TestComparisonReduceSequences(t *testing.T) {
	c, err := NewComparisonHead(2, 2, false)
	if err != nil {
		t.Fatalf("NewComparisonHead: %v", err)
	}
	state := &emb.OutputState{
		Sequence: [][][]float32{
			{{1, 2}, {3, 4}},
			{{5, -6}, {7, 8}},
		},
		Leading: []int{1, 2},
	}
	got, err := c.ReduceSequences(state)
	if err != nil {
		t.Fatalf("ReduceSequences: %v", err)
	}
	want := [][][]float32{{{6, 4}, {10, 12}}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("reduced sequences = %v, want %v", got, want)
	}
}

func TestComparisonRejectsWrongLeadingShape(t *testing.T) {
	c, err := NewComparisonHead(2, 3, false)
	if err != nil {
		t.Fatalf("NewComparisonHead: %v", err)
	}
	for _, leading := range [][]int{{4}, {2, 3}, {2, 2, 1}} {
		state := &emb.OutputState{Pooled: [][]float32{{1, 2}}, Leading: leading}
		if _, err := c.Predict(state); err == nil {
			t.Errorf("leading shape %v should fail", leading)
		}
	}
}

func TestComparisonFitLearnsPairRanks(t *testing.T) {
	pooled := [][]float32{
		{0.5, 0}, {-0.3, 0.1},
		{0.1, 0.2}, {0.1, -0.1},
		{2, 2}, {2, 1},
		{1.5, 2}, {2.5, 1},
	}
	ranks := []int{0, 0, 1, 1}

	c, err := NewComparisonHead(2, 2, true)
	if err != nil {
		t.Fatalf("NewComparisonHead: %v", err)
	}
	loss, err := c.Fit(pairState(pooled), ranks, FitOptions{Epochs: 200, BatchSize: 2, LearningRate: 0.5, Decay: 1, Seed: 3})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if loss > 0.4 {
		t.Errorf("final loss %v too high for a separable pair set", loss)
	}

	got, err := c.Predict(pairState(swapPairs(pooled)))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if !reflect.DeepEqual(got, ranks) {
		t.Errorf("ranks on swapped orderings = %v, want %v", got, ranks)
	}
}

func TestComparisonPredictProba(t *testing.T) {
	c, err := NewComparisonHead(2, 3, false)
	if err != nil {
		t.Fatalf("NewComparisonHead: %v", err)
	}
	if _, err := c.PredictProba(pairState([][]float32{{1, 2}, {3, 4}})); !errors.Is(err, ErrProbaUnsupported) {
		t.Errorf("PredictProba err = %v, want ErrProbaUnsupported", err)
	}
}

func TestAssemblePairs(t *testing.T) {
	batch, err := AssemblePairs([][]int{{1, 2, 3}}, [][]int{{4, 5}}, 101, 102, 32)
	if err != nil {
		t.Fatalf("AssemblePairs: %v", err)
	}
	if !reflect.DeepEqual(batch.Leading, []int{1, 2}) {
		t.Errorf("leading = %v, want [1 2]", batch.Leading)
	}
	wantRows := [][]int64{
		{101, 1, 2, 3, 102, 4, 5, 102},
		{101, 4, 5, 102, 1, 2, 3, 102},
	}
	if !reflect.DeepEqual(batch.Rows, wantRows) {
		t.Errorf("rows = %v, want %v", batch.Rows, wantRows)
	}
}

func TestAssemblePairsTruncates(t *testing.T) {
	a := [][]int{{1, 2, 3, 4, 5}}
	b := [][]int{{6, 7, 8, 9}}
	batch, err := AssemblePairs(a, b, 101, 102, 9)
	if err != nil {
		t.Fatalf("AssemblePairs: %v", err)
	}
	for i, row := range batch.Rows {
		if len(row) > 9 {
			t.Errorf("row %d has %d tokens, max is 9", i, len(row))
		}
	}
	// budget 6 splits into 3 per side
	want := []int64{101, 1, 2, 3, 102, 6, 7, 8, 102}
	if !reflect.DeepEqual(batch.Rows[0], want) {
		t.Errorf("row 0 = %v, want %v", batch.Rows[0], want)
	}
}

func TestAssemblePairsValidation(t *testing.T) {
	if _, err := AssemblePairs([][]int{{1}}, [][]int{{1}, {2}}, 101, 102, 32); err == nil {
		t.Error("mismatched pair counts should fail")
	}
	if _, err := AssemblePairs(nil, nil, 101, 102, 32); err == nil {
		t.Error("empty input should fail")
	}
	if _, err := AssemblePairs([][]int{{1}}, [][]int{{2}}, 101, 102, 4); err == nil {
		t.Error("max length 4 leaves no room and should fail")
	}
}
