package model

import (
	"fmt"
	"math"

	"vrwkv/internal/multimodal"
	"vrwkv/internal/tensor"
)

// LanguageLoss is the next-token cross entropy over a forward pass:
// logits at position t predict the label at t+1, and IgnoreLabel
// positions contribute nothing. Returns the mean over contributing
// positions and their count.
func LanguageLoss(logits *tensor.Seq, labels [][]int) (float64, int, error) {
	if len(labels) != logits.B {
		return 0, 0, fmt.Errorf("model: %d label rows for batch of %d", len(labels), logits.B)
	}
	var sum float64
	var count int
	for b := 0; b < logits.B; b++ {
		if len(labels[b]) != logits.T {
			return 0, 0, fmt.Errorf("model: label row %d has %d entries, want %d", b, len(labels[b]), logits.T)
		}
		for t := 0; t < logits.T-1; t++ {
			target := labels[b][t+1]
			if target == multimodal.IgnoreLabel {
				continue
			}
			row := logits.At(b, t)
			if target < 0 || target >= len(row) {
				return 0, 0, fmt.Errorf("model: label %d outside vocabulary of %d", target, len(row))
			}
			sum += negLogSoftmax(row, target)
			count++
		}
	}
	if count == 0 {
		return 0, 0, nil
	}
	return sum / float64(count), count, nil
}

func negLogSoftmax(logits []float32, target int) float64 {
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
	return math.Log(lse) + maxVal - float64(logits[target])
}
