package emb

import (
	"context"
	"errors"
	"fmt"
)

// TokenBatch is the featurizer input: token-id rows plus the leading batch
// shape they fold back into. A nil Leading means one leading dimension of
// len(Rows). Pairwise tasks pass Leading=[n,2] with both orderings of each
// pair as consecutive rows.
type TokenBatch struct {
	Leading []int
	Rows    [][]int64
}

// OutputState is the normalized featurizer result. All row-indexed fields
// share the flattened row order; Leading records how rows fold back into
// the caller's batch shape.
type OutputState struct {
	Pooled   [][]float32
	Sequence [][][]float32
	Lengths  []int
	EOSIdx   []int
	Mask     [][]float32
	Leading  []int
}

// GroupSize returns how many rows fold into one leading-dimension entry.
func (o *OutputState) GroupSize() int {
	g := 1
	for _, d := range o.Leading[1:] {
		g *= d
	}
	return g
}

// PooledGroups folds the pooled rows back into the first leading dimension.
func (o *OutputState) PooledGroups() [][][]float32 {
	g := o.GroupSize()
	out := make([][][]float32, 0, len(o.Pooled)/g)
	for i := 0; i+g <= len(o.Pooled); i += g {
		out = append(out, o.Pooled[i:i+g])
	}
	return out
}

// SequenceGroups folds the per-token rows back into the first leading
// dimension.
func (o *OutputState) SequenceGroups() [][][][]float32 {
	g := o.GroupSize()
	out := make([][][][]float32, 0, len(o.Sequence)/g)
	for i := 0; i+g <= len(o.Sequence); i += g {
		out = append(out, o.Sequence[i:i+g])
	}
	return out
}

// FeaturizerOptions tunes a Featurizer. Zero values take the family
// defaults.
type FeaturizerOptions struct {
	// MaxLen caps row length; defaults to the family's MaxLen.
	MaxLen int
	// PadID fills short rows for the rectangular model call. Must differ
	// from the delimiter id.
	PadID int
	// LowMemory requests activation recomputation on training calls when
	// the backbone supports it.
	LowMemory bool
}

// Featurizer enforces the fixed call discipline between task code and the
// wrapped model: it derives every auxiliary input from the token ids,
// sends only what the model family accepts and normalizes the output
// shape.
type Featurizer struct {
	family    Family
	backbone  Backbone
	delim     int64
	pad       int64
	maxLen    int
	lowMemory bool
}

// NewFeaturizer wires a family table, a backbone and the delimiter id
// together. A negative delimiter id means the tokenizer has none
// configured, which fails here rather than at the first forward pass.
func NewFeaturizer(family Family, backbone Backbone, delimID int, opts FeaturizerOptions) (*Featurizer, error) {
	if delimID < 0 {
		return nil, ErrNoDelimiter
	}
	if backbone == nil {
		return nil, errors.New("featurizer needs a backbone")
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = family.MaxLen
	}
	if maxLen <= 0 {
		return nil, fmt.Errorf("family %s declares no max length", family.ID)
	}
	if opts.PadID == delimID {
		return nil, fmt.Errorf("pad id %d collides with delimiter id", opts.PadID)
	}
	return &Featurizer{
		family:    family,
		backbone:  backbone,
		delim:     int64(delimID),
		pad:       int64(opts.PadID),
		maxLen:    maxLen,
		lowMemory: opts.LowMemory,
	}, nil
}

// Family returns the wired family table.
func (f *Featurizer) Family() Family {
	return f.family
}

// Hidden returns the backbone's hidden size.
func (f *Featurizer) Hidden() int {
	return f.backbone.Hidden()
}

// Featurize runs one batch through the wrapped model:
//
//  1. leading batch dimensions are flattened to rows,
//  2. segment ids (the running delimiter count, exclusive), the
//     end-of-sequence index (last delimiter) and the attention mask are
//     derived from the ids,
//  3. only the family-accepted inputs are forwarded,
//  4. a bare per-token output is normalized by pooling the first token,
//  5. the leading shape is recorded on the OutputState for folding back.
//
// A row with no delimiter counts as full length. Training toggles the
// training input for families that accept it and, with LowMemory set,
// activation recomputation on capable backbones.
func (f *Featurizer) Featurize(ctx context.Context, batch *TokenBatch, training bool) (*OutputState, error) {
	leading, rows, err := flattenBatch(batch)
	if err != nil {
		return nil, err
	}

	width := 0
	for i, row := range rows {
		if len(row) == 0 {
			return nil, fmt.Errorf("row %d is empty", i)
		}
		if len(row) > f.maxLen {
			return nil, fmt.Errorf("row %d has %d tokens, max is %d", i, len(row), f.maxLen)
		}
		if len(row) > width {
			width = len(row)
		}
	}

	n := len(rows)
	padded := make([][]int64, n)
	types := make([][]int64, n)
	maskInt := make([][]int64, n)
	mask := make([][]float32, n)
	eos := make([]int, n)
	lengths := make([]int, n)
	for i, row := range rows {
		p := make([]int64, width)
		copy(p, row)
		for j := len(row); j < width; j++ {
			p[j] = f.pad
		}
		padded[i] = p

		t := make([]int64, width)
		last := -1
		count := int64(0)
		for j := 0; j < width; j++ {
			t[j] = count
			if j < len(row) && row[j] == f.delim {
				count++
				last = j
			}
		}
		types[i] = t
		if last < 0 {
			last = len(row) - 1
		}
		eos[i] = last
		lengths[i] = last + 1

		mi := make([]int64, width)
		mf := make([]float32, width)
		for j := 0; j < lengths[i]; j++ {
			mi[j] = 1
			mf[j] = 1
		}
		maskInt[i] = mi
		mask[i] = mf
	}

	fwd := &Forward{TokenIDs: padded}
	if f.family.Inputs.AttentionMask {
		fwd.AttentionMask = maskInt
	}
	if f.family.Inputs.TokenTypes {
		fwd.TokenTypeIDs = types
	}
	if f.family.Inputs.Training {
		fwd.Training = training
	}
	if rc, ok := f.backbone.(Recomputer); ok {
		rc.SetRecompute(f.lowMemory && training)
	}

	out, err := f.backbone.Run(ctx, fwd)
	if err != nil {
		return nil, fmt.Errorf("featurize: %w", err)
	}
	if len(out.Sequence) != n {
		return nil, fmt.Errorf("featurize: model returned %d sequence rows for %d inputs", len(out.Sequence), n)
	}
	pooled := out.Pooled
	if pooled == nil {
		pooled = make([][]float32, n)
		for i := range out.Sequence {
			if len(out.Sequence[i]) == 0 {
				return nil, fmt.Errorf("featurize: sequence row %d is empty", i)
			}
			pooled[i] = out.Sequence[i][0]
		}
	} else if len(pooled) != n {
		return nil, fmt.Errorf("featurize: model returned %d pooled rows for %d inputs", len(pooled), n)
	}

	return &OutputState{
		Pooled:   pooled,
		Sequence: out.Sequence,
		Lengths:  lengths,
		EOSIdx:   eos,
		Mask:     mask,
		Leading:  leading,
	}, nil
}

func flattenBatch(batch *TokenBatch) ([]int, [][]int64, error) {
	if batch == nil || len(batch.Rows) == 0 {
		return nil, nil, errors.New("empty batch")
	}
	leading := batch.Leading
	if len(leading) == 0 {
		leading = []int{len(batch.Rows)}
	}
	want := 1
	for _, d := range leading {
		if d <= 0 {
			return nil, nil, fmt.Errorf("leading shape %v has a non-positive dimension", leading)
		}
		want *= d
	}
	if want != len(batch.Rows) {
		return nil, nil, fmt.Errorf("leading shape %v wants %d rows, batch has %d", leading, want, len(batch.Rows))
	}
	return append([]int(nil), leading...), batch.Rows, nil
}
