package finetune

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"seqtune/emb"
	"seqtune/weights"
)

// ErrNotFitted is returned by prediction before Fit or LoadFitted ran.
var ErrNotFitted = errors.New("model is not fitted")

const (
	configFileName = "config.json"
	headFileName   = "head.sqwb"
	labelsFileName = "labels.json"

	headWeightsTensor = "head/threshold_weights"
	headBiasTensor    = "head/threshold_bias"

	featurizeBatch = 16
)

// Model orchestrates the encoder shim, the featurizer and the ordinal
// head for document-level prediction over long inputs.
type Model struct {
	cfg      Config
	family   emb.Family
	encoder  emb.Encoder
	feat     *emb.Featurizer
	backbone emb.Backbone
	chunker  *Chunker
	cache    *emb.FeatureCache

	mu    sync.RWMutex
	head  *OrdinalHead
	codec *LabelCodec

	logger *log.Logger
}

// New wires a model from its config record. The encoder and backbone are
// injected so callers control tokenizer loading and the runtime; Close
// releases the backbone.
func New(cfg Config, encoder emb.Encoder, backbone emb.Backbone, logger *log.Logger) (*Model, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if encoder == nil {
		return nil, errors.New("encoder is required")
	}
	if backbone == nil {
		return nil, errors.New("backbone is required")
	}
	family, err := emb.BuiltinFamily(cfg.Family)
	if err != nil {
		return nil, err
	}
	maxLen := cfg.MaxLength
	if maxLen > family.MaxLen {
		maxLen = family.MaxLen
	}
	feat, err := emb.NewFeaturizer(family, backbone, encoder.DelimID(), emb.FeaturizerOptions{
		MaxLen:    maxLen,
		LowMemory: cfg.LowMemory,
	})
	if err != nil {
		return nil, err
	}
	chunker, err := NewChunker(encoder.StartID(), encoder.DelimID(), maxLen, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	m := &Model{
		cfg:      cfg,
		family:   family,
		encoder:  encoder,
		feat:     feat,
		backbone: backbone,
		chunker:  chunker,
		logger:   logger,
	}
	if cfg.CacheDir != "" {
		cache, err := emb.NewFeatureCache(cfg.CacheDir, weights.StoreName(cfg.Checkpoint, cfg.Family))
		if err != nil {
			return nil, err
		}
		m.cache = cache
	}
	return m, nil
}

// Close releases the backbone.
func (m *Model) Close() error {
	if m.backbone != nil {
		return m.backbone.Close()
	}
	return nil
}

// Config returns a copy of the model's config record.
func (m *Model) Config() Config {
	return m.cfg.Clone()
}

// Classes returns the fitted label space, nil before fitting.
func (m *Model) Classes() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.codec == nil {
		return nil
	}
	return m.codec.Classes()
}

// Featurize returns one pooled feature row per text, truncating each text
// to a single window. The feature cache is consulted when configured.
func (m *Model) Featurize(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("featurize: no texts")
	}
	normed := emb.NormalizeAll(texts)
	out := make([][]float32, len(texts))

	var missIdx []int
	if m.cache != nil {
		for i, text := range normed {
			if vec, ok := m.cache.Get(m.cache.Key(text)); ok {
				out[i] = vec
				continue
			}
			missIdx = append(missIdx, i)
		}
		if len(missIdx) == 0 {
			return out, nil
		}
	} else {
		missIdx = make([]int, len(texts))
		for i := range missIdx {
			missIdx[i] = i
		}
	}

	missTexts := make([]string, len(missIdx))
	for j, i := range missIdx {
		missTexts[j] = normed[i]
	}
	enc, err := m.encoder.Encode(missTexts)
	if err != nil {
		return nil, fmt.Errorf("featurize: %w", err)
	}
	rows := make([][]int64, len(missIdx))
	for j := range missIdx {
		// One window per text: the document's first chunk.
		rows[j] = m.chunker.ChunkDoc(j, enc.IDs[j], nil, nil)[0].IDs
	}
	pooled, err := m.pooledForRows(ctx, rows, false)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = pooled[j]
		if m.cache != nil {
			m.cache.Put(m.cache.Key(normed[i]), pooled[j])
		}
	}
	return out, nil
}

// Fit learns the label codec and trains the ordinal head on chunked
// documents. Every chunk inherits its document's label, matching how long
// documents are scored at prediction time.
func (m *Model) Fit(ctx context.Context, texts []string, labels []float64, opts FitOptions) error {
	if len(texts) == 0 {
		return errors.New("fit: no training texts")
	}
	if len(texts) != len(labels) {
		return fmt.Errorf("fit: %d texts for %d labels", len(texts), len(labels))
	}
	codec := &LabelCodec{}
	if err := codec.Fit(labels); err != nil {
		return err
	}

	chunks, err := m.chunkAll(texts)
	if err != nil {
		return err
	}
	ranks := make([]int, len(chunks))
	for i, ch := range chunks {
		rank, err := codec.Rank(labels[ch.Meta.Doc])
		if err != nil {
			return err
		}
		ranks[i] = rank
	}
	m.logf("fit: %d documents -> %d chunks, %d classes", len(texts), len(chunks), codec.NumClasses())

	pooled, err := m.pooledForRows(ctx, Rows(chunks), true)
	if err != nil {
		return err
	}
	head, err := NewOrdinalHead(m.feat.Hidden(), codec.NumClasses(), m.cfg.SharedThresholds)
	if err != nil {
		return err
	}
	loss, err := head.Fit(pooled, ranks, opts)
	if err != nil {
		return err
	}
	m.logf("fit: final loss %.4f", loss)

	m.mu.Lock()
	m.head = head
	m.codec = codec
	m.mu.Unlock()
	return nil
}

// Predict chunks each text, scores every chunk and aggregates the chunk
// ranks into one decoded label per document.
func (m *Model) Predict(ctx context.Context, texts []string) ([]float64, error) {
	m.mu.RLock()
	head, codec := m.head, m.codec
	m.mu.RUnlock()
	if head == nil || codec == nil {
		return nil, ErrNotFitted
	}
	if len(texts) == 0 {
		return []float64{}, nil
	}

	chunks, err := m.chunkAll(texts)
	if err != nil {
		return nil, err
	}
	pooled, err := m.pooledForRows(ctx, Rows(chunks), false)
	if err != nil {
		return nil, err
	}
	ranks, err := head.Predict(pooled)
	if err != nil {
		return nil, err
	}
	preds := make([]ChunkPrediction, len(chunks))
	for i, ch := range chunks {
		preds[i] = ChunkPrediction{
			Rank:       ranks[i],
			StartOfDoc: ch.StartOfDoc,
			EndOfDoc:   ch.EndOfDoc,
			Meta:       ch.Meta,
		}
	}
	labels, err := AggregateDocuments(preds, codec)
	if err != nil {
		return nil, err
	}
	if len(labels) != len(texts) {
		return nil, fmt.Errorf("predict: aggregated %d labels for %d documents", len(labels), len(texts))
	}
	return labels, nil
}

// PredictProba always fails: see ErrProbaUnsupported.
func (m *Model) PredictProba(context.Context, []string) ([][]float64, error) {
	return nil, ErrProbaUnsupported
}

func (m *Model) chunkAll(texts []string) ([]Chunk, error) {
	enc, err := m.encoder.Encode(emb.NormalizeAll(texts))
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return m.chunker.ChunkBatch(enc)
}

func (m *Model) pooledForRows(ctx context.Context, rows [][]int64, training bool) ([][]float32, error) {
	out := make([][]float32, 0, len(rows))
	progressEvery := 10 * featurizeBatch
	for begin := 0; begin < len(rows); begin += featurizeBatch {
		end := begin + featurizeBatch
		if end > len(rows) {
			end = len(rows)
		}
		state, err := m.feat.Featurize(ctx, &emb.TokenBatch{Rows: rows[begin:end]}, training)
		if err != nil {
			return nil, err
		}
		out = append(out, state.Pooled...)
		if len(rows) > featurizeBatch && (end%progressEvery == 0 || end == len(rows)) {
			m.logf("featurized %d/%d chunks", end, len(rows))
		}
	}
	return out, nil
}

// SaveFitted persists the fitted state into dir: the config record, the
// head parameters as a weight bank and the label space.
func (m *Model) SaveFitted(dir string) error {
	m.mu.RLock()
	head, codec := m.head, m.codec
	m.mu.RUnlock()
	if head == nil || codec == nil {
		return ErrNotFitted
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	if err := SaveConfig(filepath.Join(dir, configFileName), m.cfg); err != nil {
		return err
	}
	if err := saveJSON(filepath.Join(dir, labelsFileName), codec.Classes()); err != nil {
		return fmt.Errorf("save labels: %w", err)
	}

	w, b := head.Weights()
	flat := make([]float32, 0, len(w)*head.Hidden())
	for _, row := range w {
		flat = append(flat, row...)
	}
	bank := weights.NewBank()
	if err := bank.Put(headWeightsTensor, weights.Tensor{Shape: []int{len(w), head.Hidden()}, Data: flat}); err != nil {
		return err
	}
	if err := bank.Put(headBiasTensor, weights.Tensor{Shape: []int{len(b)}, Data: b}); err != nil {
		return err
	}
	return bank.Save(filepath.Join(dir, headFileName))
}

// LoadFitted restores head parameters and the label space saved by
// SaveFitted.
func (m *Model) LoadFitted(dir string) error {
	var classes []float64
	if err := loadJSON(filepath.Join(dir, labelsFileName), &classes); err != nil {
		return fmt.Errorf("load labels: %w", err)
	}
	codec := &LabelCodec{}
	if err := codec.Fit(classes); err != nil {
		return err
	}

	bank, err := weights.Open(filepath.Join(dir, headFileName))
	if err != nil {
		return err
	}
	wt, ok := bank.Tensor(headWeightsTensor)
	if !ok {
		return fmt.Errorf("load head: tensor %q missing", headWeightsTensor)
	}
	bt, ok := bank.Tensor(headBiasTensor)
	if !ok {
		return fmt.Errorf("load head: tensor %q missing", headBiasTensor)
	}
	if len(wt.Shape) != 2 {
		return fmt.Errorf("load head: weights have rank %d, want 2", len(wt.Shape))
	}
	rows, hidden := wt.Shape[0], wt.Shape[1]
	if hidden != m.feat.Hidden() {
		return fmt.Errorf("load head: hidden size %d does not match model %d", hidden, m.feat.Hidden())
	}
	head, err := NewOrdinalHead(hidden, codec.NumClasses(), m.cfg.SharedThresholds)
	if err != nil {
		return err
	}
	w := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		w[i] = wt.Data[i*hidden : (i+1)*hidden]
	}
	if err := head.setWeights(w, bt.Data); err != nil {
		return err
	}

	m.mu.Lock()
	m.head = head
	m.codec = codec
	m.mu.Unlock()
	m.logf("loaded fitted model from %s (%d classes)", dir, codec.NumClasses())
	return nil
}

func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (m *Model) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
