package finetune

import (
	"errors"
	"fmt"

	"seqtune/emb"
	"seqtune/weights"
)

// ErrUnknownSpec is returned when no checkpoint spec matches a lookup.
var ErrUnknownSpec = errors.New("unknown checkpoint spec")

// Spec bundles everything needed to fetch and import one checkpoint: the
// file names, the rename rules from the published tensor names to the
// native ones, and the remote locations.
type Spec struct {
	Family        string               `json:"family"`
	Checkpoint    string               `json:"checkpoint"`
	ArchiveFile   string               `json:"archiveFile"`
	TokenizerFile string               `json:"tokenizerFile"`
	Rules         []weights.Rule       `json:"rules,omitempty"`
	Ignore        []string             `json:"ignore,omitempty"`
	Required      []weights.RemoteFile `json:"required,omitempty"`
}

func (s Spec) key() string {
	return s.Family + "\x00" + s.Checkpoint
}

// StoreName returns the deterministic weight-bank file name for this spec.
func (s Spec) StoreName() string {
	return weights.StoreName(s.Checkpoint, s.Family)
}

// Registry holds checkpoint specs. It is a plain value constructed at
// configuration time and passed by reference; nothing registers into it
// as a side effect.
type Registry struct {
	specs map[string]Spec
	order []string
}

// NewRegistry builds a registry from the given specs. Duplicate
// family/checkpoint pairs and incomplete specs fail.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if s.Family == "" || s.Checkpoint == "" {
			return nil, fmt.Errorf("registry: spec needs family and checkpoint, got %q/%q", s.Family, s.Checkpoint)
		}
		if s.ArchiveFile == "" || s.TokenizerFile == "" {
			return nil, fmt.Errorf("registry: spec %s/%s needs archive and tokenizer file names", s.Family, s.Checkpoint)
		}
		key := s.key()
		if _, ok := r.specs[key]; ok {
			return nil, fmt.Errorf("registry: duplicate spec %s/%s", s.Family, s.Checkpoint)
		}
		r.specs[key] = s
		r.order = append(r.order, key)
	}
	return r, nil
}

// Lookup resolves a family/checkpoint pair.
func (r *Registry) Lookup(family, checkpoint string) (Spec, error) {
	s, ok := r.specs[Spec{Family: family, Checkpoint: checkpoint}.key()]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s/%s", ErrUnknownSpec, family, checkpoint)
	}
	return s, nil
}

// Specs returns every spec in registration order.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.specs[key])
	}
	return out
}

// DefaultRegistry wires the built-in checkpoints. The rename rules cover
// the historic gamma/beta layer-norm spellings and strip the model-type
// prefix; language-model heads the featurizer never materializes are
// ignored.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		Spec{
			Family:        "bert-base",
			Checkpoint:    "bert-base-uncased",
			ArchiveFile:   "raw_bert-base-uncased.safetensors",
			TokenizerFile: "bert-base-uncased_tokenizer.json",
			Rules: []weights.Rule{
				{From: "bert.", To: ""},
				{From: ".gamma", To: ".weight"},
				{From: ".beta", To: ".bias"},
			},
			Ignore: []string{"cls."},
			Required: []weights.RemoteFile{
				{URL: "https://huggingface.co/bert-base-uncased/resolve/main/model.safetensors", Name: "raw_bert-base-uncased.safetensors"},
				{URL: "https://huggingface.co/bert-base-uncased/resolve/main/tokenizer.json", Name: "bert-base-uncased_tokenizer.json"},
			},
		},
		Spec{
			Family:        "roberta-base",
			Checkpoint:    "roberta-base",
			ArchiveFile:   "raw_roberta-base.safetensors",
			TokenizerFile: "roberta-base_tokenizer.json",
			Rules: []weights.Rule{
				{From: "roberta.", To: ""},
				{From: ".gamma", To: ".weight"},
				{From: ".beta", To: ".bias"},
			},
			Ignore: []string{"lm_head.", "cls."},
			Required: []weights.RemoteFile{
				{URL: "https://huggingface.co/roberta-base/resolve/main/model.safetensors", Name: "raw_roberta-base.safetensors"},
				{URL: "https://huggingface.co/roberta-base/resolve/main/tokenizer.json", Name: "roberta-base_tokenizer.json"},
			},
		},
		Spec{
			Family:        "gpt2-small",
			Checkpoint:    "gpt2",
			ArchiveFile:   "raw_gpt2.safetensors",
			TokenizerFile: "gpt2_tokenizer.json",
			Rules: []weights.Rule{
				{From: "transformer.", To: ""},
			},
			Ignore: []string{"lm_head."},
			Required: []weights.RemoteFile{
				{URL: "https://huggingface.co/gpt2/resolve/main/model.safetensors", Name: "raw_gpt2.safetensors"},
				{URL: "https://huggingface.co/gpt2/resolve/main/tokenizer.json", Name: "gpt2_tokenizer.json"},
			},
		},
	)
	if err != nil {
		// The built-in table is static; a failure here is a programming
		// error.
		panic(err)
	}
	return r
}

// ExpectedParams lists the native parameter names for a family, generated
// per layer the way its checkpoints publish them.
func ExpectedParams(f emb.Family) ([]string, error) {
	switch f.ID {
	case "bert-base", "roberta-base":
		return bertParams(f.Layers), nil
	case "gpt2-small":
		return gpt2Params(f.Layers), nil
	}
	return nil, fmt.Errorf("%w: no parameter table for %q", emb.ErrUnknownFamily, f.ID)
}

func bertParams(layers int) []string {
	names := []string{
		"embeddings.word_embeddings.weight",
		"embeddings.position_embeddings.weight",
		"embeddings.token_type_embeddings.weight",
		"embeddings.LayerNorm.weight",
		"embeddings.LayerNorm.bias",
	}
	for i := 0; i < layers; i++ {
		prefix := fmt.Sprintf("encoder.layer.%d.", i)
		for _, suffix := range []string{
			"attention.self.query.weight",
			"attention.self.query.bias",
			"attention.self.key.weight",
			"attention.self.key.bias",
			"attention.self.value.weight",
			"attention.self.value.bias",
			"attention.output.dense.weight",
			"attention.output.dense.bias",
			"attention.output.LayerNorm.weight",
			"attention.output.LayerNorm.bias",
			"intermediate.dense.weight",
			"intermediate.dense.bias",
			"output.dense.weight",
			"output.dense.bias",
			"output.LayerNorm.weight",
			"output.LayerNorm.bias",
		} {
			names = append(names, prefix+suffix)
		}
	}
	return append(names, "pooler.dense.weight", "pooler.dense.bias")
}

func gpt2Params(layers int) []string {
	names := []string{"wte.weight", "wpe.weight"}
	for i := 0; i < layers; i++ {
		prefix := fmt.Sprintf("h.%d.", i)
		for _, suffix := range []string{
			"ln_1.weight",
			"ln_1.bias",
			"attn.c_attn.weight",
			"attn.c_attn.bias",
			"attn.c_proj.weight",
			"attn.c_proj.bias",
			"ln_2.weight",
			"ln_2.bias",
			"mlp.c_fc.weight",
			"mlp.c_fc.bias",
			"mlp.c_proj.weight",
			"mlp.c_proj.bias",
		} {
			names = append(names, prefix+suffix)
		}
	}
	return append(names, "ln_f.weight", "ln_f.bias")
}
