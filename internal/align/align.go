// Package align scores image-text agreement with a contrastive
// objective: pooled text embeddings against pooled, projected vision
// features, contrasted both within the batch and against a ring queue
// of embeddings from earlier steps.
package align

import (
	"fmt"
	"math"

	"vrwkv/internal/tensor"
	"vrwkv/internal/vision"
)

const labelSmoothing = 0.1

// Config fixes queue and embedding geometry.
type Config struct {
	QueueSize int    `yaml:"queue_size"`
	TextLen   int    `yaml:"text_len"`
	VisionLen int    `yaml:"vision_len"`
	TextDim   int    `yaml:"text_dim"`
	VisionDim int    `yaml:"vision_dim"`
	Reduction string `yaml:"reduction"` // "mean" or "weighted"
}

// Module holds the negative queues and the shared vision projection.
// The queues store raw (unprojected) embeddings so queue negatives see
// the current projection weights each step. Not safe for concurrent
// use; the training loop owns it.
type Module struct {
	cfg  Config
	proj *vision.Projector

	textQueue   *tensor.Seq // (queueSize, textLen, textDim)
	visionQueue *tensor.Seq // (queueSize, visionLen, visionDim)
	ptr         int
}

// New validates cfg and builds a module with zeroed queues. The
// projector is shared with the model so both stay in step during
// training.
func New(cfg Config, proj *vision.Projector) (*Module, error) {
	if cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("align: queue_size must be positive, got %d", cfg.QueueSize)
	}
	if cfg.TextLen <= 0 || cfg.VisionLen <= 0 || cfg.TextDim <= 0 || cfg.VisionDim <= 0 {
		return nil, fmt.Errorf("align: all lengths and dims must be positive")
	}
	switch cfg.Reduction {
	case "", "mean":
		cfg.Reduction = "mean"
	case "weighted":
	default:
		return nil, fmt.Errorf("align: unknown reduction %q", cfg.Reduction)
	}
	if proj.Weight.R != cfg.TextDim || proj.Weight.C != cfg.VisionDim {
		return nil, fmt.Errorf("align: projector is %dx%d, config implies %dx%d",
			proj.Weight.R, proj.Weight.C, cfg.TextDim, cfg.VisionDim)
	}
	return &Module{
		cfg:         cfg,
		proj:        proj,
		textQueue:   tensor.NewSeq(cfg.QueueSize, cfg.TextLen, cfg.TextDim),
		visionQueue: tensor.NewSeq(cfg.QueueSize, cfg.VisionLen, cfg.VisionDim),
	}, nil
}

// QueuePtr returns the next queue write position.
func (m *Module) QueuePtr() int { return m.ptr }

// Loss computes the contrastive loss for one batch and then pushes the
// batch into the negative queues. textEmbeds is (B, textLen, textDim)
// with textMask marking real (non-pad) positions; visionEmbeds is the
// raw (B, visionLen, visionDim) backbone output. A batch of one skips
// the in-batch term, which would be degenerate, and keeps only the
// in-queue term. Queues update unconditionally, including on a cold
// start when they still hold zeros.
func (m *Module) Loss(textEmbeds, visionEmbeds *tensor.Seq, textMask [][]bool) (float64, error) {
	if err := m.checkShapes(textEmbeds, visionEmbeds, textMask); err != nil {
		return 0, err
	}

	// Zero padded text positions so pooling never sees them.
	masked := textEmbeds.Clone()
	for b := range textMask {
		for t, keep := range textMask[b] {
			if !keep {
				clear(masked.At(b, t))
			}
		}
	}

	visionFeats := m.proj.Forward(visionEmbeds)
	textPooled, visionPooled := m.pool(masked, visionFeats, textMask)

	negText, negVision := m.pool(m.textQueue, m.proj.Forward(m.visionQueue), nil)

	loss := m.inQueueLoss(textPooled, visionPooled, negText, negVision)
	if textEmbeds.B != 1 {
		loss += m.inBatchLoss(textPooled, visionPooled)
	}

	m.push(masked, visionEmbeds)
	return loss, nil
}

func (m *Module) checkShapes(textEmbeds, visionEmbeds *tensor.Seq, textMask [][]bool) error {
	if textEmbeds.B == 0 || textEmbeds.B != visionEmbeds.B {
		return fmt.Errorf("align: batch mismatch: %d text vs %d vision", textEmbeds.B, visionEmbeds.B)
	}
	if textEmbeds.T != m.cfg.TextLen || textEmbeds.C != m.cfg.TextDim {
		return fmt.Errorf("align: text embeds are %dx%d, config implies %dx%d",
			textEmbeds.T, textEmbeds.C, m.cfg.TextLen, m.cfg.TextDim)
	}
	if visionEmbeds.T != m.cfg.VisionLen || visionEmbeds.C != m.cfg.VisionDim {
		return fmt.Errorf("align: vision embeds are %dx%d, config implies %dx%d",
			visionEmbeds.T, visionEmbeds.C, m.cfg.VisionLen, m.cfg.VisionDim)
	}
	if len(textMask) != textEmbeds.B {
		return fmt.Errorf("align: %d mask rows for batch of %d", len(textMask), textEmbeds.B)
	}
	for b := range textMask {
		if len(textMask[b]) != textEmbeds.T {
			return fmt.Errorf("align: mask row %d has %d entries, want %d", b, len(textMask[b]), textEmbeds.T)
		}
	}
	return nil
}

// pool reduces (N, T, D) text and (N, V, D) vision tensors to (N, D)
// matrices. A nil mask treats every position as real.
func (m *Module) pool(text, visionFeats *tensor.Seq, mask [][]bool) (textPooled, visionPooled tensor.Mat) {
	N, D := text.B, text.C
	textPooled = tensor.NewMat(N, D)
	visionPooled = tensor.NewMat(N, D)

	if m.cfg.Reduction == "mean" {
		for n := 0; n < N; n++ {
			dst := visionPooled.Row(n)
			for t := 0; t < visionFeats.T; t++ {
				row := visionFeats.At(n, t)
				for c := range dst {
					dst[c] += row[c]
				}
			}
			inv := 1 / float32(visionFeats.T)
			for c := range dst {
				dst[c] *= inv
			}

			dst = textPooled.Row(n)
			count := text.T
			if mask != nil {
				count = 0
				for _, keep := range mask[n] {
					if keep {
						count++
					}
				}
			}
			for t := 0; t < text.T; t++ {
				row := text.At(n, t)
				for c := range dst {
					dst[c] += row[c]
				}
			}
			if count > 0 {
				inv := 1 / float32(count)
				for c := range dst {
					dst[c] *= inv
				}
			}
		}
		return textPooled, visionPooled
	}

	// Weighted reduction: softmax over mean cross-similarities, with
	// padded text positions pushed to negligible weight.
	for n := 0; n < N; n++ {
		simT := make([]float64, text.T)        // mean over vision positions
		simV := make([]float64, visionFeats.T) // mean over text positions
		for t := 0; t < text.T; t++ {
			tr := text.At(n, t)
			for v := 0; v < visionFeats.T; v++ {
				vr := visionFeats.At(n, v)
				var dot float64
				for c := 0; c < D; c++ {
					dot += float64(tr[c]) * float64(vr[c])
				}
				simT[t] += dot
				simV[v] += dot
			}
		}
		for t := range simT {
			simT[t] /= float64(visionFeats.T)
			if mask != nil && !mask[n][t] {
				simT[t] = -1e9
			}
		}
		for v := range simV {
			simV[v] /= float64(text.T)
		}

		wT := softmax(simT)
		wV := softmax(simV)
		dst := textPooled.Row(n)
		for t := 0; t < text.T; t++ {
			row := text.At(n, t)
			w := float32(wT[t])
			for c := range dst {
				dst[c] += w * row[c]
			}
		}
		dst = visionPooled.Row(n)
		for v := 0; v < visionFeats.T; v++ {
			row := visionFeats.At(n, v)
			w := float32(wV[v])
			for c := range dst {
				dst[c] += w * row[c]
			}
		}
	}
	return textPooled, visionPooled
}

// inBatchLoss is the symmetric in-batch term: each pooled text matches
// its own pooled vision row against the rest of the batch, both ways.
func (m *Module) inBatchLoss(textPooled, visionPooled tensor.Mat) float64 {
	N := textPooled.R
	t2v := tensor.NewMat(N, N)
	tensor.MatMulT(&t2v, &textPooled, &visionPooled)
	v2t := tensor.NewMat(N, N)
	tensor.MatMulT(&v2t, &visionPooled, &textPooled)

	var sum float64
	for n := 0; n < N; n++ {
		sum += smoothedCrossEntropy(t2v.Row(n), n)
		sum += smoothedCrossEntropy(v2t.Row(n), n)
	}
	return sum / float64(2*N)
}

// inQueueLoss contrasts each positive pair against the queued
// negatives: logits are [pos | text·visionQueue | vision·textQueue] and
// the target is always index 0.
func (m *Module) inQueueLoss(textPooled, visionPooled, negText, negVision tensor.Mat) float64 {
	N, K := textPooled.R, m.cfg.QueueSize
	logits := make([]float32, 1+2*K)
	var sum float64
	for n := 0; n < N; n++ {
		tRow := textPooled.Row(n)
		vRow := visionPooled.Row(n)
		logits[0] = dot32(tRow, vRow)
		for k := 0; k < K; k++ {
			logits[1+k] = dot32(tRow, negVision.Row(k))
			logits[1+K+k] = dot32(vRow, negText.Row(k))
		}
		sum += smoothedCrossEntropy(logits, 0)
	}
	return sum / float64(N)
}

// push writes the batch into the ring queues sample by sample, wrapping
// at the queue size.
func (m *Module) push(text, visionEmbeds *tensor.Seq) {
	for b := 0; b < text.B; b++ {
		slot := (m.ptr + b) % m.cfg.QueueSize
		for t := 0; t < text.T; t++ {
			copy(m.textQueue.At(slot, t), text.At(b, t))
		}
		for t := 0; t < visionEmbeds.T; t++ {
			copy(m.visionQueue.At(slot, t), visionEmbeds.At(b, t))
		}
	}
	m.ptr = (m.ptr + text.B) % m.cfg.QueueSize
}

func dot32(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

func softmax(x []float64) []float64 {
	maxVal := math.Inf(-1)
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}
	out := make([]float64, len(x))
	var sum float64
	for i, v := range x {
		out[i] = math.Exp(v - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// smoothedCrossEntropy is cross entropy over one logit row with uniform
// label smoothing mass spread across all classes.
func smoothedCrossEntropy(logits []float32, target int) float64 {
	maxVal := math.Inf(-1)
	for _, v := range logits {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}
	var lse float64
	for _, v := range logits {
		lse += math.Exp(float64(v) - maxVal)
	}
	lse = math.Log(lse) + maxVal

	K := float64(len(logits))
	var meanLogP float64
	for _, v := range logits {
		meanLogP += float64(v) - lse
	}
	meanLogP /= K

	targetLogP := float64(logits[target]) - lse
	return -(1-labelSmoothing)*targetLogP - labelSmoothing*meanLogP
}
