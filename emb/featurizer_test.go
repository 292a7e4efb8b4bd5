package emb

import (
	"context"
	"errors"
	"testing"
)

// stubBackbone returns deterministic features so tests can trace which
// inputs reached the model: hidden dims carry the token id, row index and
// position.
type stubBackbone struct {
	hidden      int
	withPooled  bool
	lastForward *Forward
}

func (s *stubBackbone) Run(_ context.Context, f *Forward) (*Output, error) {
	s.lastForward = f
	seq := make([][][]float32, len(f.TokenIDs))
	for i, row := range f.TokenIDs {
		seq[i] = make([][]float32, len(row))
		for j, id := range row {
			vec := make([]float32, s.hidden)
			vec[0] = float32(id)
			vec[1] = float32(i)
			vec[2] = float32(j)
			seq[i][j] = vec
		}
	}
	out := &Output{Sequence: seq}
	if s.withPooled {
		out.Pooled = make([][]float32, len(f.TokenIDs))
		for i := range out.Pooled {
			vec := make([]float32, s.hidden)
			vec[0] = 1000 + float32(i)
			out.Pooled[i] = vec
		}
	}
	return out, nil
}

func (s *stubBackbone) Hidden() int  { return s.hidden }
func (s *stubBackbone) Close() error { return nil }

type recomputeBackbone struct {
	stubBackbone
	calls []bool
}

func (r *recomputeBackbone) SetRecompute(enabled bool) {
	r.calls = append(r.calls, enabled)
}

func testFamily(in Inputs) Family {
	return Family{
		ID:           "test",
		Hidden:       4,
		Layers:       1,
		MaxLen:       16,
		Inputs:       in,
		IDsName:      "input_ids",
		MaskName:     "attention_mask",
		TypesName:    "token_type_ids",
		SequenceName: "last_hidden_state",
	}
}

const testDelim = 9

func newTestFeaturizer(t *testing.T, in Inputs, backbone Backbone, opts FeaturizerOptions) *Featurizer {
	t.Helper()
	f, err := NewFeaturizer(testFamily(in), backbone, testDelim, opts)
	if err != nil {
		t.Fatalf("NewFeaturizer: %v", err)
	}
	return f
}

func TestFeaturizeDerivesSegmentsAndEOS(t *testing.T) {
	bb := &stubBackbone{hidden: 4}
	f := newTestFeaturizer(t, Inputs{AttentionMask: true, TokenTypes: true}, bb, FeaturizerOptions{})

	// Two texts joined by delimiters, one short row that forces padding.
	batch := &TokenBatch{Rows: [][]int64{
		{5, 1, 2, testDelim, 3, 4, testDelim},
		{5, 6, testDelim},
	}}
	out, err := f.Featurize(context.Background(), batch, false)
	if err != nil {
		t.Fatalf("Featurize: %v", err)
	}

	if got, want := out.EOSIdx[0], 6; got != want {
		t.Errorf("row 0 eos = %d, want %d (last delimiter)", got, want)
	}
	if got, want := out.EOSIdx[1], 2; got != want {
		t.Errorf("row 1 eos = %d, want %d", got, want)
	}
	if out.Lengths[0] != 7 || out.Lengths[1] != 3 {
		t.Errorf("lengths = %v, want [7 3]", out.Lengths)
	}

	wantTypes := [][]int64{
		{0, 0, 0, 0, 1, 1, 1},
		{0, 0, 0, 1, 1, 1, 1},
	}
	for i, want := range wantTypes {
		got := bb.lastForward.TokenTypeIDs[i]
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("segment ids row %d = %v, want %v", i, got, want)
			}
		}
	}

	wantMask := [][]int64{
		{1, 1, 1, 1, 1, 1, 1},
		{1, 1, 1, 0, 0, 0, 0},
	}
	for i, want := range wantMask {
		got := bb.lastForward.AttentionMask[i]
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("mask row %d = %v, want %v", i, got, want)
			}
		}
	}
	for i := range wantMask {
		for j := range wantMask[i] {
			if out.Mask[i][j] != float32(wantMask[i][j]) {
				t.Fatalf("output mask row %d diverges from model mask", i)
			}
		}
	}
}

func TestFeaturizeEOSEdgeCases(t *testing.T) {
	bb := &stubBackbone{hidden: 4}
	f := newTestFeaturizer(t, Inputs{}, bb, FeaturizerOptions{PadID: 1})

	batch := &TokenBatch{Rows: [][]int64{
		{testDelim, 2, 3}, // delimiter only at position zero
		{4, 5, 6},         // no delimiter at all
	}}
	out, err := f.Featurize(context.Background(), batch, false)
	if err != nil {
		t.Fatalf("Featurize: %v", err)
	}
	if out.EOSIdx[0] != 0 || out.Lengths[0] != 1 {
		t.Errorf("delimiter at zero: eos %d length %d, want 0 and 1", out.EOSIdx[0], out.Lengths[0])
	}
	if out.EOSIdx[1] != 2 || out.Lengths[1] != 3 {
		t.Errorf("no delimiter: eos %d length %d, want full row (2 and 3)", out.EOSIdx[1], out.Lengths[1])
	}
}

func TestFeaturizeSendsOnlyAcceptedInputs(t *testing.T) {
	cases := []struct {
		name       string
		inputs     Inputs
		wantMask   bool
		wantTypes  bool
		training   bool
		wantsTrain bool
	}{
		{name: "all optional", inputs: Inputs{AttentionMask: true, TokenTypes: true, Training: true}, wantMask: true, wantTypes: true, training: true, wantsTrain: true},
		{name: "mask only", inputs: Inputs{AttentionMask: true}, wantMask: true},
		{name: "ids only", inputs: Inputs{}, training: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bb := &stubBackbone{hidden: 4}
			f := newTestFeaturizer(t, tc.inputs, bb, FeaturizerOptions{})
			batch := &TokenBatch{Rows: [][]int64{{1, 2, testDelim}}}
			if _, err := f.Featurize(context.Background(), batch, tc.training); err != nil {
				t.Fatalf("Featurize: %v", err)
			}
			fwd := bb.lastForward
			if got := fwd.AttentionMask != nil; got != tc.wantMask {
				t.Errorf("mask sent = %v, want %v", got, tc.wantMask)
			}
			if got := fwd.TokenTypeIDs != nil; got != tc.wantTypes {
				t.Errorf("segment ids sent = %v, want %v", got, tc.wantTypes)
			}
			if fwd.Training != tc.wantsTrain {
				t.Errorf("training sent = %v, want %v", fwd.Training, tc.wantsTrain)
			}
		})
	}
}

func TestFeaturizePoolsFirstTokenWhenBare(t *testing.T) {
	bb := &stubBackbone{hidden: 4}
	f := newTestFeaturizer(t, Inputs{}, bb, FeaturizerOptions{})
	batch := &TokenBatch{Rows: [][]int64{{7, 8, testDelim}}}
	out, err := f.Featurize(context.Background(), batch, false)
	if err != nil {
		t.Fatalf("Featurize: %v", err)
	}
	if out.Pooled[0][0] != 7 || out.Pooled[0][2] != 0 {
		t.Errorf("pooled row = %v, want the position-zero hidden state", out.Pooled[0])
	}
}

func TestFeaturizeUsesModelPooledOutput(t *testing.T) {
	bb := &stubBackbone{hidden: 4, withPooled: true}
	f := newTestFeaturizer(t, Inputs{}, bb, FeaturizerOptions{})
	batch := &TokenBatch{Rows: [][]int64{{7, 8, testDelim}, {1, testDelim}}}
	out, err := f.Featurize(context.Background(), batch, false)
	if err != nil {
		t.Fatalf("Featurize: %v", err)
	}
	if out.Pooled[0][0] != 1000 || out.Pooled[1][0] != 1001 {
		t.Errorf("pooled rows = %v, %v; want the model's own pooled output", out.Pooled[0], out.Pooled[1])
	}
}

func TestFeaturizeLeadingShapeRoundTrip(t *testing.T) {
	bb := &stubBackbone{hidden: 4}
	f := newTestFeaturizer(t, Inputs{}, bb, FeaturizerOptions{})
	batch := &TokenBatch{
		Leading: []int{2, 2},
		Rows: [][]int64{
			{1, testDelim}, {2, testDelim},
			{3, testDelim}, {4, testDelim},
		},
	}
	out, err := f.Featurize(context.Background(), batch, false)
	if err != nil {
		t.Fatalf("Featurize: %v", err)
	}
	if len(out.Leading) != 2 || out.Leading[0] != 2 || out.Leading[1] != 2 {
		t.Fatalf("leading = %v, want [2 2]", out.Leading)
	}
	groups := out.PooledGroups()
	if len(groups) != 2 {
		t.Fatalf("pooled groups = %d, want 2", len(groups))
	}
	if groups[0][0][0] != 1 || groups[0][1][0] != 2 || groups[1][0][0] != 3 || groups[1][1][0] != 4 {
		t.Errorf("grouped rows out of order: %v", groups)
	}
	seqGroups := out.SequenceGroups()
	if len(seqGroups) != 2 || len(seqGroups[0]) != 2 {
		t.Fatalf("sequence groups misfolded")
	}
}

func TestFeaturizeLeadingShapeMismatch(t *testing.T) {
	bb := &stubBackbone{hidden: 4}
	f := newTestFeaturizer(t, Inputs{}, bb, FeaturizerOptions{})
	batch := &TokenBatch{Leading: []int{3, 2}, Rows: [][]int64{{1, testDelim}}}
	if _, err := f.Featurize(context.Background(), batch, false); err == nil {
		t.Fatal("Featurize accepted a leading shape that does not cover the rows")
	}
}

func TestFeaturizeRecompute(t *testing.T) {
	cases := []struct {
		name      string
		lowMemory bool
		training  bool
		want      bool
	}{
		{"low memory training", true, true, true},
		{"low memory inference", true, false, false},
		{"plain training", false, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bb := &recomputeBackbone{stubBackbone: stubBackbone{hidden: 4}}
			f := newTestFeaturizer(t, Inputs{}, bb, FeaturizerOptions{LowMemory: tc.lowMemory})
			batch := &TokenBatch{Rows: [][]int64{{1, testDelim}}}
			if _, err := f.Featurize(context.Background(), batch, tc.training); err != nil {
				t.Fatalf("Featurize: %v", err)
			}
			if len(bb.calls) != 1 || bb.calls[0] != tc.want {
				t.Errorf("recompute calls = %v, want one call with %v", bb.calls, tc.want)
			}
		})
	}
}

func TestNewFeaturizerValidation(t *testing.T) {
	bb := &stubBackbone{hidden: 4}
	if _, err := NewFeaturizer(testFamily(Inputs{}), bb, -1, FeaturizerOptions{}); !errors.Is(err, ErrNoDelimiter) {
		t.Errorf("negative delimiter: err = %v, want ErrNoDelimiter", err)
	}
	if _, err := NewFeaturizer(testFamily(Inputs{}), nil, testDelim, FeaturizerOptions{}); err == nil {
		t.Error("nil backbone accepted")
	}
	if _, err := NewFeaturizer(testFamily(Inputs{}), bb, testDelim, FeaturizerOptions{PadID: testDelim}); err == nil {
		t.Error("pad id equal to delimiter accepted")
	}
}

func TestFeaturizeRejectsBadBatches(t *testing.T) {
	bb := &stubBackbone{hidden: 4}
	f := newTestFeaturizer(t, Inputs{}, bb, FeaturizerOptions{})
	if _, err := f.Featurize(context.Background(), &TokenBatch{}, false); err == nil {
		t.Error("empty batch accepted")
	}
	if _, err := f.Featurize(context.Background(), &TokenBatch{Rows: [][]int64{{}}}, false); err == nil {
		t.Error("empty row accepted")
	}
	long := make([]int64, 17)
	if _, err := f.Featurize(context.Background(), &TokenBatch{Rows: [][]int64{long}}, false); err == nil {
		t.Error("overlong row accepted")
	}
}
