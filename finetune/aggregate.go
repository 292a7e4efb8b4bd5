package finetune

import (
	"errors"
	"fmt"
)

// ErrChunkOrder flags a malformed chunk stream. Aggregation fails fast on
// the first violation and returns no partial results.
var ErrChunkOrder = errors.New("malformed chunk stream")

// ChunkPrediction carries one chunk's predicted rank plus the document
// boundary flags through aggregation.
type ChunkPrediction struct {
	Rank       int
	StartOfDoc bool
	EndOfDoc   bool
	Meta       ChunkMeta
}

// AggregateDocuments folds an ordered chunk-prediction stream into one
// label per document. A start flag resets the accumulator, every chunk's
// rank is appended, and an end flag reduces the accumulator by majority
// vote decoded through the codec. Ties go to the smallest rank, so a
// one-chunk document passes its rank through unchanged.
//
// The stream must be well formed: no restart inside an open document, no
// chunk outside one, no stream ending inside one. Violations fail with
// ErrChunkOrder naming the chunk.
func AggregateDocuments(preds []ChunkPrediction, codec *LabelCodec) ([]float64, error) {
	if codec == nil || codec.NumClasses() == 0 {
		return nil, errors.New("aggregate: label codec is not fitted")
	}
	out := make([]float64, 0, len(preds))
	var acc []int
	inDoc := false
	for i, p := range preds {
		if p.StartOfDoc {
			if inDoc {
				return nil, fmt.Errorf("%w: chunk %d starts a document before the previous one ended", ErrChunkOrder, i)
			}
			acc = acc[:0]
			inDoc = true
		} else if !inDoc {
			return nil, fmt.Errorf("%w: chunk %d belongs to no open document", ErrChunkOrder, i)
		}
		acc = append(acc, p.Rank)
		if p.EndOfDoc {
			label, err := codec.Label(majorityRank(acc))
			if err != nil {
				return nil, fmt.Errorf("aggregate document %d: %w", len(out), err)
			}
			out = append(out, label)
			inDoc = false
		}
	}
	if inDoc {
		return nil, fmt.Errorf("%w: stream ended inside an open document", ErrChunkOrder)
	}
	return out, nil
}

// majorityRank returns the most frequent rank, smallest rank on ties.
func majorityRank(ranks []int) int {
	counts := make(map[int]int, len(ranks))
	for _, r := range ranks {
		counts[r]++
	}
	best := ranks[0]
	bestCount := 0
	for r, c := range counts {
		if c > bestCount || (c == bestCount && r < best) {
			best = r
			bestCount = c
		}
	}
	return best
}
