// Package emb bridges pretrained tokenizers and transformer graphs: the
// encoder shim gives task code a uniform tokenizer surface and the
// featurizer turns token ids into pooled and per-token features through a
// fixed call discipline.
package emb

import (
	"errors"
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// ErrNoDelimiter means the wrapped tokenizer defines neither a separator
// nor an end-of-sequence token, so sequence boundaries cannot be encoded.
// It surfaces at construction, before any forward pass.
var ErrNoDelimiter = errors.New("tokenizer defines no delimiter token")

// Encoder is the uniform tokenizer surface task code sees. Implementations
// never add special tokens themselves; chunk and pair assembly place them
// explicitly.
type Encoder interface {
	// Encode tokenizes each text into ids, token strings and character
	// offsets, all index-parallel per text.
	Encode(texts []string) (*EncodedOutput, error)
	StartID() int
	DelimID() int
	// MaskID and UnkID are negative when the tokenizer defines no such
	// token.
	MaskID() int
	EndID() int
	UnkID() int
	VocabSize() int
}

// EncodedOutput carries per-text parallel sequences. For every text i the
// four inner slices have equal length.
type EncodedOutput struct {
	IDs        [][]int
	Tokens     [][]string
	CharStarts [][]int
	CharEnds   [][]int
}

// Validate checks the parallel-sequence invariant.
func (o *EncodedOutput) Validate() error {
	if len(o.Tokens) != len(o.IDs) || len(o.CharStarts) != len(o.IDs) || len(o.CharEnds) != len(o.IDs) {
		return fmt.Errorf("encoded output: text counts differ (ids %d, tokens %d, starts %d, ends %d)",
			len(o.IDs), len(o.Tokens), len(o.CharStarts), len(o.CharEnds))
	}
	for i := range o.IDs {
		n := len(o.IDs[i])
		if len(o.Tokens[i]) != n || len(o.CharStarts[i]) != n || len(o.CharEnds[i]) != n {
			return fmt.Errorf("encoded output: text %d sequences misaligned (ids %d, tokens %d, starts %d, ends %d)",
				i, n, len(o.Tokens[i]), len(o.CharStarts[i]), len(o.CharEnds[i]))
		}
	}
	return nil
}

// HFEncoder wraps a tokenizer.json tokenizer and resolves the special-token
// ids once at construction.
type HFEncoder struct {
	tk    *tokenizer.Tokenizer
	start int
	delim int
	mask  int
	end   int
	unk   int
}

// NewHFEncoder loads a tokenizer.json file and resolves special tokens.
// The delimiter falls back from the separator token to the end-of-sequence
// token; when neither exists the encoder is unusable and construction
// fails with ErrNoDelimiter.
func NewHFEncoder(path string) (*HFEncoder, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	return wrapTokenizer(tk)
}

func wrapTokenizer(tk *tokenizer.Tokenizer) (*HFEncoder, error) {
	sep := firstTokenID(tk, "[SEP]", "</s>")
	eos := firstTokenID(tk, "</s>", "<|endoftext|>", "[SEP]")
	delim := sep
	if delim < 0 {
		delim = eos
	}
	if delim < 0 {
		return nil, ErrNoDelimiter
	}
	end := eos
	if end < 0 {
		end = delim
	}
	start := firstTokenID(tk, "[CLS]", "<s>", "<|endoftext|>")
	if start < 0 {
		start = delim
	}
	return &HFEncoder{
		tk:    tk,
		start: start,
		delim: delim,
		mask:  firstTokenID(tk, "[MASK]", "<mask>"),
		end:   end,
		unk:   firstTokenID(tk, "[UNK]", "<unk>"),
	}, nil
}

func firstTokenID(tk *tokenizer.Tokenizer, candidates ...string) int {
	for _, c := range candidates {
		if id, ok := tk.TokenToId(c); ok {
			return id
		}
	}
	return -1
}

func (e *HFEncoder) StartID() int { return e.start }
func (e *HFEncoder) DelimID() int { return e.delim }
func (e *HFEncoder) MaskID() int  { return e.mask }
func (e *HFEncoder) EndID() int   { return e.end }
func (e *HFEncoder) UnkID() int   { return e.unk }

// VocabSize reports the vocabulary size including added tokens.
func (e *HFEncoder) VocabSize() int {
	return e.tk.GetVocabSize(true)
}

// Encode tokenizes the normalized texts without adding special tokens.
func (e *HFEncoder) Encode(texts []string) (*EncodedOutput, error) {
	out := &EncodedOutput{
		IDs:        make([][]int, len(texts)),
		Tokens:     make([][]string, len(texts)),
		CharStarts: make([][]int, len(texts)),
		CharEnds:   make([][]int, len(texts)),
	}
	for i, text := range texts {
		en, err := e.tk.EncodeSingle(NormalizeText(text), false)
		if err != nil {
			return nil, fmt.Errorf("encode text %d: %w", i, err)
		}
		n := len(en.Ids)
		if len(en.Offsets) != n {
			return nil, fmt.Errorf("encode text %d: %d offsets for %d tokens", i, len(en.Offsets), n)
		}
		starts := make([]int, n)
		ends := make([]int, n)
		for j, off := range en.Offsets {
			if len(off) == 2 {
				starts[j] = off[0]
				ends[j] = off[1]
			}
		}
		out.IDs[i] = en.Ids
		out.Tokens[i] = en.Tokens
		out.CharStarts[i] = starts
		out.CharEnds[i] = ends
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
