package wkv

import (
	"math"
	"math/rand"
	"testing"

	"vrwkv/internal/tensor"
)

// forwardNaive evaluates the recurrence from its closed form,
// materialising the decayed history sum per step. Quadratic in T, used
// only as a reference.
func forwardNaive(r, k, v *tensor.Seq, w, u *tensor.Mat, heads, headSize int) *tensor.Seq {
	B, T, C := r.B, r.T, r.C
	y := tensor.NewSeq(B, T, C)
	for b := 0; b < B; b++ {
		for h := 0; h < heads; h++ {
			off := h * headSize
			for t := 0; t < T; t++ {
				for i := 0; i < headSize; i++ {
					var out float64
					for j := 0; j < headSize; j++ {
						rj := float64(r.At(b, t)[off+j])
						uj := float64(u.Row(h)[j])
						dj := float64(Decay(w.Row(h)[j]))
						cur := uj * float64(k.At(b, t)[off+j]) * float64(v.At(b, t)[off+i])
						var hist float64
						for s := 0; s < t; s++ {
							hist += math.Pow(dj, float64(t-1-s)) *
								float64(k.At(b, s)[off+j]) * float64(v.At(b, s)[off+i])
						}
						out += rj * (cur + hist)
					}
					y.At(b, t)[off+i] = float32(out)
				}
			}
		}
	}
	return y
}

func randSeq(rng *rand.Rand, b, t, c int, scale float32) *tensor.Seq {
	s := tensor.NewSeq(b, t, c)
	for i := range s.Data {
		s.Data[i] = (rng.Float32()*2 - 1) * scale
	}
	return s
}

func randMat(rng *rand.Rand, r, c int, lo, hi float32) tensor.Mat {
	m := tensor.NewMat(r, c)
	for i := range m.Data {
		m.Data[i] = lo + rng.Float32()*(hi-lo)
	}
	return m
}

func kernelFixture(rng *rand.Rand, b, t, heads, headSize int) (*Kernel, *tensor.Seq, *tensor.Seq, *tensor.Seq, tensor.Mat, tensor.Mat) {
	kn := New(Config{Heads: heads, HeadSize: headSize})
	c := heads * headSize
	r := randSeq(rng, b, t, c, 0.5)
	k := randSeq(rng, b, t, c, 0.5)
	v := randSeq(rng, b, t, c, 0.5)
	w := randMat(rng, heads, headSize, -1.0, 0.5)
	u := randMat(rng, heads, headSize, -0.5, 0.5)
	return kn, r, k, v, w, u
}

func TestForwardMatchesNaive(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	kn, r, k, v, w, u := kernelFixture(rng, 2, 6, 2, 4)

	got := kn.Forward(r, k, v, &w, &u)
	want := forwardNaive(r, k, v, &w, &u, 2, 4)

	for i := range got.Data {
		if diff := math.Abs(float64(got.Data[i] - want.Data[i])); diff > 1e-4 {
			t.Fatalf("element %d: got %f want %f", i, got.Data[i], want.Data[i])
		}
	}
}

func TestDecayStrictlyInUnitInterval(t *testing.T) {
	t.Parallel()
	for _, w := range []float32{-8, -6, -3, -1, 0, 1, 2, 3.5} {
		d := Decay(w)
		if !(d > 0 && d < 1) {
			t.Fatalf("Decay(%f) = %g, want strictly inside (0,1)", w, d)
		}
	}
}

// TestBackwardFiniteDifference checks every gradient the kernel produces
// against central finite differences of a random linear functional of
// the forward output.
func TestBackwardFiniteDifference(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(11))
	const (
		B, T      = 2, 4
		heads     = 2
		headSize  = 8
		eps       = 1e-2
		tolerance = 2e-2
	)
	kn, r, k, v, w, u := kernelFixture(rng, B, T, heads, headSize)
	proj := randSeq(rng, B, T, heads*headSize, 1.0)

	loss := func() float64 {
		y := kn.Forward(r, k, v, &w, &u)
		var sum float64
		for i := range y.Data {
			sum += float64(proj.Data[i]) * float64(y.Data[i])
		}
		return sum
	}

	gr, gk, gv, gw, gu := kn.Backward(r, k, v, &w, &u, proj)

	check := func(name string, data []float32, grad []float32) {
		t.Helper()
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			up := loss()
			data[i] = orig - eps
			down := loss()
			data[i] = orig

			fd := (up - down) / (2 * eps)
			an := float64(grad[i])
			if diff := math.Abs(fd - an); diff > tolerance+tolerance*math.Abs(an) {
				t.Fatalf("%s[%d]: finite difference %g vs analytic %g", name, i, fd, an)
			}
		}
	}

	check("r", r.Data, gr.Data)
	check("k", k.Data, gk.Data)
	check("v", v.Data, gv.Data)
	check("w", w.Data, gw.Data)
	check("u", u.Data, gu.Data)
}

func TestForwardStateResetsPerCall(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(3))
	kn, r, k, v, w, u := kernelFixture(rng, 1, 5, 1, 4)

	first := kn.Forward(r, k, v, &w, &u)
	second := kn.Forward(r, k, v, &w, &u)
	for i := range first.Data {
		if first.Data[i] != second.Data[i] {
			t.Fatal("state leaked across Forward calls")
		}
	}
}

func TestForwardPanicsOnChannelMismatch(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for channel mismatch")
		}
	}()
	kn := New(Config{Heads: 2, HeadSize: 4})
	bad := tensor.NewSeq(1, 2, 6)
	w := tensor.NewMat(2, 4)
	u := tensor.NewMat(2, 4)
	kn.Forward(bad, bad, bad, &w, &u)
}

func TestNewPanicsOnInvalidConfig(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for invalid config")
		}
	}()
	New(Config{Heads: 0, HeadSize: 8})
}
