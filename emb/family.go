package emb

import (
	"errors"
	"fmt"
)

// ErrUnknownFamily is returned for model family ids nobody registered.
var ErrUnknownFamily = errors.New("unknown model family")

// Inputs flags which optional model inputs a family's forward pass
// accepts. The featurizer derives every optional input itself and sends
// only the accepted subset; this table replaces probing the model at call
// time.
type Inputs struct {
	AttentionMask bool `json:"attentionMask"`
	TokenTypes    bool `json:"tokenTypes"`
	InputsEmbeds  bool `json:"inputsEmbeds"`
	Training      bool `json:"training"`
}

// Family describes one pretrained model family: its geometry, the optional
// inputs its graph accepts and the tensor names of its exported graph.
type Family struct {
	ID     string `json:"id"`
	Hidden int    `json:"hidden"`
	Layers int    `json:"layers"`
	MaxLen int    `json:"maxLen"`
	Inputs Inputs `json:"inputs"`

	// Graph tensor names. PooledName is empty for models that expose only
	// the per-token output.
	IDsName      string `json:"idsName"`
	MaskName     string `json:"maskName"`
	TypesName    string `json:"typesName"`
	SequenceName string `json:"sequenceName"`
	PooledName   string `json:"pooledName"`
}

// BuiltinFamily resolves one of the shipped family tables.
func BuiltinFamily(id string) (Family, error) {
	switch id {
	case "bert-base":
		return Family{
			ID:     "bert-base",
			Hidden: 768,
			Layers: 12,
			MaxLen: 512,
			Inputs: Inputs{AttentionMask: true, TokenTypes: true},

			IDsName:      "input_ids",
			MaskName:     "attention_mask",
			TypesName:    "token_type_ids",
			SequenceName: "last_hidden_state",
			PooledName:   "pooler_output",
		}, nil
	case "roberta-base":
		return Family{
			ID:     "roberta-base",
			Hidden: 768,
			Layers: 12,
			MaxLen: 512,
			Inputs: Inputs{AttentionMask: true},

			IDsName:      "input_ids",
			MaskName:     "attention_mask",
			SequenceName: "last_hidden_state",
			PooledName:   "pooler_output",
		}, nil
	case "gpt2-small":
		return Family{
			ID:     "gpt2-small",
			Hidden: 768,
			Layers: 12,
			MaxLen: 1024,
			Inputs: Inputs{},

			IDsName:      "input_ids",
			SequenceName: "last_hidden_state",
		}, nil
	}
	return Family{}, fmt.Errorf("%w: %q", ErrUnknownFamily, id)
}

// BuiltinFamilyIDs lists the shipped family tables.
func BuiltinFamilyIDs() []string {
	return []string{"bert-base", "roberta-base", "gpt2-small"}
}
