package finetune

import (
	"errors"
	"fmt"
	"math/rand"

	"seqtune/internal/mathutil"
)

// ErrProbaUnsupported is returned by every probability query on ordinal
// heads: threshold logits are cumulative "exceeds rank k" scores, not a
// class distribution. Callers should predict ranks and decode them.
var ErrProbaUnsupported = errors.New("ordinal heads emit threshold logits, not class probabilities; use Predict")

// ErrTooFewClasses rejects ordinal heads over fewer than two classes.
var ErrTooFewClasses = errors.New("ordinal head needs at least two classes")

// OrdinalHead scores pooled features against K ordered classes with K-1
// cumulative threshold logits. With shared thresholds a single weight
// vector serves every threshold and only the biases differ; otherwise each
// threshold owns a weight vector.
type OrdinalHead struct {
	hidden  int
	classes int
	shared  bool
	w       [][]float32
	b       []float32
}

// NewOrdinalHead builds a zero-initialized head.
func NewOrdinalHead(hidden, classes int, shared bool) (*OrdinalHead, error) {
	if classes < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewClasses, classes)
	}
	if hidden <= 0 {
		return nil, fmt.Errorf("ordinal head: hidden size %d", hidden)
	}
	rows := classes - 1
	if shared {
		rows = 1
	}
	w := make([][]float32, rows)
	for i := range w {
		w[i] = make([]float32, hidden)
	}
	return &OrdinalHead{
		hidden:  hidden,
		classes: classes,
		shared:  shared,
		w:       w,
		b:       make([]float32, classes-1),
	}, nil
}

// Thresholds returns K-1, the number of logits the head emits.
func (h *OrdinalHead) Thresholds() int {
	return h.classes - 1
}

// NumClasses returns K.
func (h *OrdinalHead) NumClasses() int {
	return h.classes
}

// SharedThresholds reports whether all thresholds share one weight vector.
func (h *OrdinalHead) SharedThresholds() bool {
	return h.shared
}

// Hidden returns the expected feature width.
func (h *OrdinalHead) Hidden() int {
	return h.hidden
}

func (h *OrdinalHead) weightRow(k int) []float32 {
	if h.shared {
		return h.w[0]
	}
	return h.w[k]
}

// Logits scores one feature row into K-1 threshold logits.
func (h *OrdinalHead) Logits(features []float32) ([]float32, error) {
	if len(features) != h.hidden {
		return nil, fmt.Errorf("ordinal head: feature width %d, want %d", len(features), h.hidden)
	}
	logits := make([]float32, h.Thresholds())
	for k := range logits {
		logits[k] = mathutil.Dot(h.weightRow(k), features) + h.b[k]
	}
	return logits, nil
}

// LogitsBatch scores each feature row.
func (h *OrdinalHead) LogitsBatch(features [][]float32) ([][]float32, error) {
	out := make([][]float32, len(features))
	for i, row := range features {
		logits, err := h.Logits(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = logits
	}
	return out, nil
}

// Rank decodes threshold logits into a dense rank: the number of
// thresholds the input exceeds.
func (h *OrdinalHead) Rank(logits []float32) int {
	rank := 0
	for _, l := range logits {
		if l > 0 {
			rank++
		}
	}
	return rank
}

// Predict returns the dense rank for each feature row.
func (h *OrdinalHead) Predict(features [][]float32) ([]int, error) {
	logits, err := h.LogitsBatch(features)
	if err != nil {
		return nil, err
	}
	ranks := make([]int, len(logits))
	for i, l := range logits {
		ranks[i] = h.Rank(l)
	}
	return ranks, nil
}

// PredictProba always fails: see ErrProbaUnsupported.
func (h *OrdinalHead) PredictProba([][]float32) ([][]float32, error) {
	return nil, ErrProbaUnsupported
}

// Loss returns the mean sigmoid cross-entropy over all thresholds of all
// rows against the ranks' binary threshold targets.
func (h *OrdinalHead) Loss(features [][]float32, ranks []int) (float32, error) {
	if len(features) != len(ranks) {
		return 0, fmt.Errorf("ordinal head: %d feature rows for %d ranks", len(features), len(ranks))
	}
	if len(features) == 0 {
		return 0, errors.New("ordinal head: empty batch")
	}
	var total float64
	count := 0
	for i, row := range features {
		logits, err := h.Logits(row)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
		targets, err := h.targets(ranks[i])
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
		for k := range logits {
			total += float64(mathutil.SigmoidCrossEntropy(logits[k], targets[k]))
			count++
		}
	}
	return float32(total / float64(count)), nil
}

func (h *OrdinalHead) targets(rank int) ([]float32, error) {
	if rank < 0 || rank >= h.classes {
		return nil, fmt.Errorf("rank %d out of range [0,%d)", rank, h.classes)
	}
	t := make([]float32, h.Thresholds())
	for k := 0; k < rank; k++ {
		t[k] = 1
	}
	return t, nil
}

// FitOptions tunes head training. Zero values take the defaults.
type FitOptions struct {
	Epochs       int
	BatchSize    int
	LearningRate float32
	// Decay multiplies the learning rate after every epoch.
	Decay float32
	// ClipNorm caps the joint gradient norm per minibatch.
	ClipNorm float32
	Seed     int64
}

func (o *FitOptions) applyDefaults() {
	if o.Epochs <= 0 {
		o.Epochs = 30
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.1
	}
	if o.Decay <= 0 || o.Decay > 1 {
		o.Decay = 0.98
	}
	if o.ClipNorm == 0 {
		o.ClipNorm = 1
	}
}

// Fit trains the head with minibatch gradient descent: learning-rate decay
// per epoch, gradient clipping by global norm, deterministic shuffling
// from the seed. Returns the mean loss after the final epoch.
func (h *OrdinalHead) Fit(features [][]float32, ranks []int, opts FitOptions) (float32, error) {
	if len(features) != len(ranks) {
		return 0, fmt.Errorf("ordinal head: %d feature rows for %d ranks", len(features), len(ranks))
	}
	if len(features) == 0 {
		return 0, errors.New("ordinal head: empty training set")
	}
	opts.applyDefaults()

	rng := rand.New(rand.NewSource(opts.Seed))
	order := make([]int, len(features))
	for i := range order {
		order[i] = i
	}

	gradW := make([][]float32, len(h.w))
	for i := range gradW {
		gradW[i] = make([]float32, h.hidden)
	}
	gradB := make([]float32, len(h.b))

	lr := opts.LearningRate
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
		for begin := 0; begin < len(order); begin += opts.BatchSize {
			end := begin + opts.BatchSize
			if end > len(order) {
				end = len(order)
			}
			if err := h.step(features, ranks, order[begin:end], lr, opts.ClipNorm, gradW, gradB); err != nil {
				return 0, err
			}
		}
		lr *= opts.Decay
	}
	return h.Loss(features, ranks)
}

func (h *OrdinalHead) step(features [][]float32, ranks []int, batch []int, lr, clip float32, gradW [][]float32, gradB []float32) error {
	for i := range gradW {
		clear(gradW[i])
	}
	clear(gradB)

	for _, idx := range batch {
		row := features[idx]
		logits, err := h.Logits(row)
		if err != nil {
			return fmt.Errorf("row %d: %w", idx, err)
		}
		targets, err := h.targets(ranks[idx])
		if err != nil {
			return fmt.Errorf("row %d: %w", idx, err)
		}
		for k := range logits {
			delta := mathutil.Sigmoid(logits[k]) - targets[k]
			gradB[k] += delta
			if h.shared {
				mathutil.Axpy(delta, row, gradW[0])
			} else {
				mathutil.Axpy(delta, row, gradW[k])
			}
		}
	}

	inv := 1 / float32(len(batch))
	for i := range gradW {
		mathutil.Scale(inv, gradW[i])
	}
	mathutil.Scale(inv, gradB)

	all := make([][]float32, 0, len(gradW)+1)
	all = append(all, gradW...)
	all = append(all, gradB)
	mathutil.ClipByGlobalNorm(clip, all...)

	for i := range h.w {
		mathutil.Axpy(-lr, gradW[i], h.w[i])
	}
	mathutil.Axpy(-lr, gradB, h.b)
	return nil
}

// Weights returns deep copies of the threshold weights and biases.
func (h *OrdinalHead) Weights() ([][]float32, []float32) {
	w := make([][]float32, len(h.w))
	for i := range h.w {
		w[i] = append([]float32(nil), h.w[i]...)
	}
	return w, append([]float32(nil), h.b...)
}

// setWeights restores trained parameters, validating shapes.
func (h *OrdinalHead) setWeights(w [][]float32, b []float32) error {
	if len(w) != len(h.w) {
		return fmt.Errorf("ordinal head: %d weight rows, want %d", len(w), len(h.w))
	}
	for i, row := range w {
		if len(row) != h.hidden {
			return fmt.Errorf("ordinal head: weight row %d has width %d, want %d", i, len(row), h.hidden)
		}
	}
	if len(b) != len(h.b) {
		return fmt.Errorf("ordinal head: %d biases, want %d", len(b), len(h.b))
	}
	for i := range w {
		copy(h.w[i], w[i])
	}
	copy(h.b, b)
	return nil
}
