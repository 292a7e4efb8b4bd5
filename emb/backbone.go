package emb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Forward is one call into the wrapped model. TokenIDs is always set and
// rectangular; the optional fields are populated only when the model family
// accepts them.
type Forward struct {
	TokenIDs      [][]int64
	AttentionMask [][]int64
	TokenTypeIDs  [][]int64
	InputsEmbeds  [][][]float32
	Training      bool
}

// Output is the wrapped model's reply. Pooled is nil when the model
// returns a bare per-token tensor; the featurizer then falls back to the
// first-token hidden state.
type Output struct {
	Sequence [][][]float32
	Pooled   [][]float32
}

// Backbone is the wrapped transformer, treated as a black box.
type Backbone interface {
	Run(ctx context.Context, f *Forward) (*Output, error)
	Hidden() int
	Close() error
}

// Recomputer is implemented by backbones that can recompute activations
// instead of storing them, trading compute for memory during training.
type Recomputer interface {
	SetRecompute(enabled bool)
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime(libraryPath string) error {
	ortInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// OnnxBackbone runs an exported model graph with onnxruntime.
type OnnxBackbone struct {
	mu        sync.Mutex
	family    Family
	session   *ort.DynamicAdvancedSession
	hasPooled bool
}

// NewOnnxBackbone opens a session over the exported graph, binding exactly
// the inputs the family accepts. libraryPath may be empty when the runtime
// library is on the default search path.
func NewOnnxBackbone(modelPath, libraryPath string, family Family) (*OnnxBackbone, error) {
	if err := initRuntime(libraryPath); err != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", err)
	}
	inputNames := []string{family.IDsName}
	if family.Inputs.AttentionMask {
		inputNames = append(inputNames, family.MaskName)
	}
	if family.Inputs.TokenTypes {
		inputNames = append(inputNames, family.TypesName)
	}
	outputNames := []string{family.SequenceName}
	hasPooled := family.PooledName != ""
	if hasPooled {
		outputNames = append(outputNames, family.PooledName)
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("open model %s: %w", modelPath, err)
	}
	return &OnnxBackbone{family: family, session: session, hasPooled: hasPooled}, nil
}

// Hidden returns the family's hidden size.
func (b *OnnxBackbone) Hidden() int {
	return b.family.Hidden
}

// Run executes one forward pass. Absent optional inputs the family still
// declares are synthesized (all-ones mask, all-zero segment ids) because
// the graph binds every declared input.
func (b *OnnxBackbone) Run(ctx context.Context, f *Forward) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.session == nil {
		return nil, errors.New("backbone is closed")
	}
	rows := len(f.TokenIDs)
	if rows == 0 {
		return nil, errors.New("empty batch")
	}
	width := len(f.TokenIDs[0])
	shape := ort.NewShape(int64(rows), int64(width))

	idsTensor, err := ort.NewTensor(shape, flattenInt64(f.TokenIDs))
	if err != nil {
		return nil, fmt.Errorf("create ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	inputs := []ort.Value{idsTensor}

	if b.family.Inputs.AttentionMask {
		mask := f.AttentionMask
		if mask == nil {
			mask = filledRows(rows, width, 1)
		}
		t, err := ort.NewTensor(shape, flattenInt64(mask))
		if err != nil {
			return nil, fmt.Errorf("create mask tensor: %w", err)
		}
		defer t.Destroy()
		inputs = append(inputs, t)
	}
	if b.family.Inputs.TokenTypes {
		types := f.TokenTypeIDs
		if types == nil {
			types = filledRows(rows, width, 0)
		}
		t, err := ort.NewTensor(shape, flattenInt64(types))
		if err != nil {
			return nil, fmt.Errorf("create segment tensor: %w", err)
		}
		defer t.Destroy()
		inputs = append(inputs, t)
	}

	outputs := make([]ort.Value, 1)
	if b.hasPooled {
		outputs = make([]ort.Value, 2)
	}
	b.mu.Lock()
	err = b.session.Run(inputs, outputs)
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("run model: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	seqTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("sequence output %s is not float32", b.family.SequenceName)
	}
	seqShape := seqTensor.GetShape()
	if len(seqShape) != 3 {
		return nil, fmt.Errorf("sequence output has rank %d, want 3", len(seqShape))
	}
	hidden := int(seqShape[2])
	if hidden != b.family.Hidden {
		return nil, fmt.Errorf("model hidden size %d does not match family %s (%d)", hidden, b.family.ID, b.family.Hidden)
	}
	// Output buffers are released with the tensors, so copy before Destroy
	// runs.
	seqData := append([]float32(nil), seqTensor.GetData()...)
	if len(seqData) != rows*width*hidden {
		return nil, fmt.Errorf("sequence output has %d values, want %d", len(seqData), rows*width*hidden)
	}
	out := &Output{Sequence: unflatten3(seqData, rows, width, hidden)}

	if b.hasPooled {
		pooledTensor, ok := outputs[1].(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("pooled output %s is not float32", b.family.PooledName)
		}
		pooledData := append([]float32(nil), pooledTensor.GetData()...)
		if len(pooledData) != rows*hidden {
			return nil, fmt.Errorf("pooled output has %d values, want %d", len(pooledData), rows*hidden)
		}
		out.Pooled = unflatten2(pooledData, rows, hidden)
	}
	return out, nil
}

// Close destroys the session. Safe to call twice.
func (b *OnnxBackbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	return nil
}

func flattenInt64(rows [][]int64) []int64 {
	if len(rows) == 0 {
		return nil
	}
	flat := make([]int64, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		flat = append(flat, r...)
	}
	return flat
}

func filledRows(rows, width int, value int64) [][]int64 {
	out := make([][]int64, rows)
	for i := range out {
		row := make([]int64, width)
		if value != 0 {
			for j := range row {
				row[j] = value
			}
		}
		out[i] = row
	}
	return out
}

// unflatten2 views flat as rows x cols without copying.
func unflatten2(flat []float32, rows, cols int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = flat[i*cols : (i+1)*cols]
	}
	return out
}

// unflatten3 views flat as d0 x d1 x d2 without copying.
func unflatten3(flat []float32, d0, d1, d2 int) [][][]float32 {
	out := make([][][]float32, d0)
	for i := range out {
		out[i] = unflatten2(flat[i*d1*d2:(i+1)*d1*d2], d1, d2)
	}
	return out
}
