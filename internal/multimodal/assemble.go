// Package multimodal splices projected image features into token
// embedding sequences and reorders the image region between trunk
// layers according to a configured scan strategy.
package multimodal

import (
	"fmt"

	"vrwkv/internal/tensor"
)

const (
	// ImageToken is the sentinel id marking where a sample's image
	// features are spliced in. It never reaches the embedding table.
	ImageToken = -200

	// IgnoreLabel marks positions excluded from the language loss.
	IgnoreLabel = -100
)

// Span is the half-open [Start, End) time range holding the grid part
// of the image features in an assembled batch. The class token sits at
// End and is not reordered by scan strategies.
type Span struct {
	Start, End int
}

// Len returns the number of positions in the span.
func (s Span) Len() int { return s.End - s.Start }

// Clamp restricts the span to a sequence of length t, for batches that
// were truncated after assembly.
func (s Span) Clamp(t int) Span {
	if s.End > t {
		s.End = t
	}
	if s.Start > s.End {
		s.Start = s.End
	}
	return s
}

// Batch is an assembled multimodal batch ready for the trunk.
type Batch struct {
	Embeds *tensor.Seq // (B, T, nEmbd)
	Labels [][]int     // (B, T), IgnoreLabel on non-loss positions
	Span   Span
	// Features are the pooled, projected image features (class token
	// last) that static scan orders re-splice from. Rows belonging to
	// imageless samples are zeroed.
	Features *tensor.Seq
}

// Assemble builds trunk input embeddings from token ids, per-token
// labels and projected image features (one feature row set per sample,
// class token last).
//
// Every sample may contain at most one ImageToken; more is an error.
// Samples are aligned so all image regions start at the same position:
// the batch-wide maximum placeholder index. Shorter prefixes are
// left-padded with the embedding of token 0 under IgnoreLabel. Samples
// without an image keep their text intact and get their feature rows
// zeroed before splicing.
//
// When truncate is set, each sample keeps its leading ctxLen positions
// if any of them carries a real label, otherwise its trailing ctxLen
// positions. Finally all samples are right-padded to the batch maximum
// with zero embeddings and IgnoreLabel.
func Assemble(lookup func(id int) []float32, tokens, labels [][]int, features *tensor.Seq, nEmbd, ctxLen int, truncate bool) (*Batch, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("multimodal: empty batch")
	}
	if len(tokens) != len(labels) {
		return nil, fmt.Errorf("multimodal: %d token rows but %d label rows", len(tokens), len(labels))
	}
	if features.B != len(tokens) {
		return nil, fmt.Errorf("multimodal: %d feature rows for %d samples", features.B, len(tokens))
	}
	if features.C != nEmbd {
		return nil, fmt.Errorf("multimodal: feature width %d, embedding width %d", features.C, nEmbd)
	}

	placeholder := make([]int, len(tokens)) // -1 when absent
	maxIdx := 0
	for b, row := range tokens {
		if len(row) != len(labels[b]) {
			return nil, fmt.Errorf("multimodal: sample %d has %d tokens but %d labels", b, len(row), len(labels[b]))
		}
		placeholder[b] = -1
		for i, id := range row {
			if id != ImageToken {
				continue
			}
			if placeholder[b] >= 0 {
				return nil, fmt.Errorf("multimodal: sample %d has more than one image placeholder", b)
			}
			placeholder[b] = i
		}
		if placeholder[b] > maxIdx {
			maxIdx = placeholder[b]
		}
	}

	featTokens := features.T
	span := Span{Start: maxIdx, End: maxIdx + featTokens - 1}

	assembled := make([]sample, len(tokens))

	for b, row := range tokens {
		var s sample
		appendRow := func(src []float32, label int) {
			s.embeds = append(s.embeds, src...)
			s.labels = append(s.labels, label)
		}

		idx := placeholder[b]
		if idx < 0 {
			// Imageless sample: zero its features so the spliced region
			// carries no signal, keep the full text after it.
			for t := 0; t < featTokens; t++ {
				clear(features.At(b, t))
			}
		}

		// Aligned prefix: token-0 padding, then the text before the
		// placeholder packed against the image region.
		pad := maxIdx
		if idx > 0 {
			pad = maxIdx - idx
		}
		for i := 0; i < pad; i++ {
			appendRow(lookup(0), IgnoreLabel)
		}
		if idx > 0 {
			for i := 0; i < idx; i++ {
				appendRow(lookup(row[i]), labels[b][i])
			}
		}

		for t := 0; t < featTokens; t++ {
			appendRow(features.At(b, t), IgnoreLabel)
		}

		rest := row
		restLabels := labels[b]
		if idx >= 0 {
			rest = row[idx+1:]
			restLabels = labels[b][idx+1:]
		}
		for i, id := range rest {
			appendRow(lookup(id), restLabels[i])
		}

		if truncate {
			s = truncateSample(s, nEmbd, ctxLen)
		}
		assembled[b] = s
	}

	maxLen := 0
	for _, s := range assembled {
		if n := len(s.labels); n > maxLen {
			maxLen = n
		}
	}

	out := &Batch{
		Embeds:   tensor.NewSeq(len(tokens), maxLen, nEmbd),
		Labels:   make([][]int, len(tokens)),
		Span:     span,
		Features: features,
	}
	for b, s := range assembled {
		copy(out.Embeds.Data[b*maxLen*nEmbd:], s.embeds)
		padded := make([]int, maxLen)
		copy(padded, s.labels)
		for i := len(s.labels); i < maxLen; i++ {
			padded[i] = IgnoreLabel
		}
		out.Labels[b] = padded
	}
	return out, nil
}

// sample is one assembled row before padding: flat embedding rows of
// width nEmbd alongside their labels.
type sample struct {
	embeds []float32
	labels []int
}

// truncateSample keeps the leading ctxLen positions when any of them
// carries a real label (so instructions stay complete), otherwise the
// trailing ctxLen positions.
func truncateSample(s sample, nEmbd, ctxLen int) sample {
	if len(s.labels) <= ctxLen {
		return s
	}
	keepHead := false
	for _, l := range s.labels[:ctxLen] {
		if l != IgnoreLabel {
			keepHead = true
			break
		}
	}
	if keepHead {
		s.embeds = s.embeds[:ctxLen*nEmbd]
		s.labels = s.labels[:ctxLen]
	} else {
		drop := len(s.labels) - ctxLen
		s.embeds = s.embeds[drop*nEmbd:]
		s.labels = s.labels[drop:]
	}
	return s
}
