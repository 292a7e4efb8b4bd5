package finetune

import (
	"fmt"

	"seqtune/emb"
)

// ChunkMeta locates a chunk inside its source document.
type ChunkMeta struct {
	// Doc is the document's index in the batch.
	Doc int
	// Index is the chunk's ordinal within the document.
	Index int
	// CharStart and CharEnd span the chunk body in the original text.
	CharStart int
	CharEnd   int
}

// Chunk is one model-ready window of a document: start token, body,
// delimiter. The flags drive prediction aggregation.
type Chunk struct {
	IDs        []int64
	StartOfDoc bool
	EndOfDoc   bool
	Meta       ChunkMeta
}

// Chunker splits token sequences into overlapping windows framed by the
// start and delimiter tokens.
type Chunker struct {
	start   int64
	delim   int64
	bodyCap int
	stride  int
}

// NewChunker sizes the windows: two positions go to the framing tokens,
// the rest is body capacity; consecutive windows share overlap body
// tokens.
func NewChunker(startID, delimID, maxLen, overlap int) (*Chunker, error) {
	bodyCap := maxLen - 2
	if bodyCap < 1 {
		return nil, fmt.Errorf("chunker: max length %d leaves no body capacity", maxLen)
	}
	if overlap < 0 || overlap >= bodyCap {
		return nil, fmt.Errorf("chunker: overlap %d must be in [0,%d)", overlap, bodyCap)
	}
	return &Chunker{
		start:   int64(startID),
		delim:   int64(delimID),
		bodyCap: bodyCap,
		stride:  bodyCap - overlap,
	}, nil
}

// ChunkDoc windows one document's token ids. starts and ends may be nil
// when character offsets are unknown. An empty document still yields one
// chunk holding only the framing tokens.
func (c *Chunker) ChunkDoc(doc int, ids []int, starts, ends []int) []Chunk {
	var out []Chunk
	pos := 0
	for idx := 0; ; idx++ {
		end := pos + c.bodyCap
		last := false
		if end >= len(ids) {
			end = len(ids)
			last = true
		}
		body := ids[pos:end]
		row := make([]int64, 0, len(body)+2)
		row = append(row, c.start)
		for _, id := range body {
			row = append(row, int64(id))
		}
		row = append(row, c.delim)

		meta := ChunkMeta{Doc: doc, Index: idx}
		if len(body) > 0 && pos < len(starts) && end-1 < len(ends) {
			meta.CharStart = starts[pos]
			meta.CharEnd = ends[end-1]
		}
		out = append(out, Chunk{
			IDs:        row,
			StartOfDoc: idx == 0,
			EndOfDoc:   last,
			Meta:       meta,
		})
		if last {
			return out
		}
		pos += c.stride
	}
}

// ChunkBatch windows every encoded document in order and concatenates the
// chunk streams.
func (c *Chunker) ChunkBatch(enc *emb.EncodedOutput) ([]Chunk, error) {
	if err := enc.Validate(); err != nil {
		return nil, err
	}
	var out []Chunk
	for doc := range enc.IDs {
		out = append(out, c.ChunkDoc(doc, enc.IDs[doc], enc.CharStarts[doc], enc.CharEnds[doc])...)
	}
	return out, nil
}

// Rows extracts the token rows of a chunk stream for featurization.
func Rows(chunks []Chunk) [][]int64 {
	rows := make([][]int64, len(chunks))
	for i, ch := range chunks {
		rows[i] = ch.IDs
	}
	return rows
}
