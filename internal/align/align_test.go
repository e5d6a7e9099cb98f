package align

import (
	"math"
	"math/rand"
	"testing"

	"vrwkv/internal/tensor"
	"vrwkv/internal/vision"
)

func testModule(t *testing.T, queueSize int, reduction string) *Module {
	t.Helper()
	proj := vision.NewProjector(6, 4)
	m, err := New(Config{
		QueueSize: queueSize,
		TextLen:   5,
		VisionLen: 3,
		TextDim:   4,
		VisionDim: 6,
		Reduction: reduction,
	}, proj)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func randBatch(rng *rand.Rand, b int) (*tensor.Seq, *tensor.Seq, [][]bool) {
	text := tensor.NewSeq(b, 5, 4)
	visionEmbeds := tensor.NewSeq(b, 3, 6)
	for i := range text.Data {
		text.Data[i] = rng.Float32()*2 - 1
	}
	for i := range visionEmbeds.Data {
		visionEmbeds.Data[i] = rng.Float32()*2 - 1
	}
	mask := make([][]bool, b)
	for i := range mask {
		mask[i] = []bool{true, true, true, true, false} // last position padded
	}
	return text, visionEmbeds, mask
}

func TestLossFiniteOnColdStart(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	for _, reduction := range []string{"mean", "weighted"} {
		m := testModule(t, 4, reduction)
		text, visionEmbeds, mask := randBatch(rng, 3)
		loss, err := m.Loss(text, visionEmbeds, mask)
		if err != nil {
			t.Fatalf("%s: Loss: %v", reduction, err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.Fatalf("%s: cold-start loss not finite: %f", reduction, loss)
		}
		if loss <= 0 {
			t.Fatalf("%s: loss should be positive, got %f", reduction, loss)
		}
	}
}

func TestBatchOfOneUsesOnlyQueueTerm(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(2))
	m := testModule(t, 4, "mean")
	text, visionEmbeds, mask := randBatch(rng, 1)
	loss, err := m.Loss(text, visionEmbeds, mask)
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	// Queues start zeroed, so all 2K negative logits are zero and the
	// positive logit is the only informative one; the loss must still be
	// finite and the queue must advance.
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("loss not finite: %f", loss)
	}
	if m.QueuePtr() != 1 {
		t.Fatalf("queue ptr = %d, want 1", m.QueuePtr())
	}
}

func TestQueueWrapsAround(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(3))
	m := testModule(t, 4, "mean")
	for step := 0; step < 3; step++ {
		text, visionEmbeds, mask := randBatch(rng, 3)
		if _, err := m.Loss(text, visionEmbeds, mask); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}
	// 9 samples through a queue of 4: ptr = 9 mod 4.
	if m.QueuePtr() != 1 {
		t.Fatalf("queue ptr = %d, want 1", m.QueuePtr())
	}
	// Every slot has been written at least once.
	for slot := 0; slot < 4; slot++ {
		var sum float64
		for t2 := 0; t2 < m.cfg.TextLen; t2++ {
			for _, v := range m.textQueue.At(slot, t2) {
				sum += math.Abs(float64(v))
			}
		}
		if sum == 0 {
			t.Fatalf("queue slot %d never written", slot)
		}
	}
}

func TestMatchedPairsScoreLowerThanShuffled(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(4))
	proj := vision.NewProjector(6, 4)

	// Construct a batch where text pools are exactly the projected
	// vision pools, so matched similarity dominates.
	build := func(shuffle bool) float64 {
		m, err := New(Config{
			QueueSize: 2, TextLen: 5, VisionLen: 3,
			TextDim: 4, VisionDim: 6, Reduction: "mean",
		}, proj)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		visionEmbeds := tensor.NewSeq(3, 3, 6)
		for i := range visionEmbeds.Data {
			visionEmbeds.Data[i] = rng.Float32()*2 - 1
		}
		feats := proj.Forward(visionEmbeds)
		text := tensor.NewSeq(3, 5, 4)
		mask := make([][]bool, 3)
		for b := 0; b < 3; b++ {
			mask[b] = []bool{true, false, false, false, false}
			src := b
			if shuffle {
				src = (b + 1) % 3
			}
			pooled := text.At(b, 0)
			for t2 := 0; t2 < feats.T; t2++ {
				row := feats.At(src, t2)
				for c := range pooled {
					pooled[c] += row[c] / float32(feats.T)
				}
			}
			// Amplify so the pairing dominates the smoothing term.
			for c := range pooled {
				pooled[c] *= 8
			}
		}
		loss, err := m.Loss(text, visionEmbeds, mask)
		if err != nil {
			t.Fatalf("Loss: %v", err)
		}
		return loss
	}

	matched := build(false)
	shuffled := build(true)
	if matched >= shuffled {
		t.Fatalf("matched loss %f should beat shuffled %f", matched, shuffled)
	}
}

func TestLossRejectsBadShapes(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(5))
	m := testModule(t, 4, "mean")
	text, visionEmbeds, mask := randBatch(rng, 2)

	short := tensor.NewSeq(2, 4, 4) // wrong text length
	if _, err := m.Loss(short, visionEmbeds, mask); err == nil {
		t.Fatal("expected error for wrong text length")
	}
	if _, err := m.Loss(text, visionEmbeds, mask[:1]); err == nil {
		t.Fatal("expected error for short mask")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	proj := vision.NewProjector(6, 4)
	base := Config{QueueSize: 4, TextLen: 5, VisionLen: 3, TextDim: 4, VisionDim: 6}

	bad := base
	bad.QueueSize = 0
	if _, err := New(bad, proj); err == nil {
		t.Fatal("expected error for zero queue size")
	}
	bad = base
	bad.Reduction = "max"
	if _, err := New(bad, proj); err == nil {
		t.Fatal("expected error for unknown reduction")
	}
	bad = base
	bad.TextDim = 7 // projector disagrees
	if _, err := New(bad, proj); err == nil {
		t.Fatal("expected error for projector mismatch")
	}
}

func TestSmoothedCrossEntropyMatchesPlainWhenUniform(t *testing.T) {
	t.Parallel()
	// With identical logits, smoothed and plain cross entropy both equal
	// log K regardless of smoothing.
	logits := []float32{0.5, 0.5, 0.5, 0.5}
	got := smoothedCrossEntropy(logits, 2)
	want := math.Log(4)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("uniform CE = %f, want %f", got, want)
	}
	// A confident correct logit must score below uniform.
	confident := []float32{10, 0, 0, 0}
	if smoothedCrossEntropy(confident, 0) >= got {
		t.Fatal("confident correct prediction should lower the loss")
	}
}
