// Package wkv implements the RWKV-5 weighted-key-value recurrence: a
// per-head, per-time-step state update evaluated in O(T) time and memory,
// with an exact closed-form adjoint for training. Forward and Backward
// are pure functions over their inputs so either can be checked in
// isolation against a finite-difference reference.
package wkv

import (
	"fmt"
	"math"

	"vrwkv/internal/tensor"
)

// Config fixes the head geometry of a kernel. The head size is shared
// between the kernel and the calling block; a disagreement is a
// configuration bug, not a runtime condition, and panics eagerly.
type Config struct {
	Heads    int
	HeadSize int
}

// Kernel evaluates the WKV recurrence for a fixed head geometry.
type Kernel struct {
	heads    int
	headSize int
	dim      int
}

// New constructs a kernel. Invalid geometry panics.
func New(cfg Config) *Kernel {
	if cfg.Heads <= 0 || cfg.HeadSize <= 0 {
		panic(fmt.Sprintf("wkv: invalid config heads=%d headSize=%d", cfg.Heads, cfg.HeadSize))
	}
	return &Kernel{heads: cfg.Heads, headSize: cfg.HeadSize, dim: cfg.Heads * cfg.HeadSize}
}

// Heads returns the configured head count.
func (kn *Kernel) Heads() int { return kn.heads }

// HeadSize returns the configured per-head channel count.
func (kn *Kernel) HeadSize() int { return kn.headSize }

// Decay maps a raw decay parameter to the multiplicative decay applied
// per time step. The double exponential keeps the result strictly inside
// (0, 1) for any real input, which is what makes the recurrence stable
// in reduced precision.
func Decay(w float32) float32 {
	return float32(math.Exp(-math.Exp(float64(w))))
}

// checkInput panics unless s is a contiguous (B, T, dim) tensor.
func (kn *Kernel) checkInput(name string, s *tensor.Seq) {
	if s == nil {
		panic("wkv: nil " + name)
	}
	if s.C != kn.dim {
		panic(fmt.Sprintf("wkv: %s has %d channels, kernel expects %d", name, s.C, kn.dim))
	}
	if len(s.Data) != s.B*s.T*s.C {
		panic("wkv: " + name + " is not contiguous")
	}
}

func (kn *Kernel) checkParam(name string, m *tensor.Mat) {
	if m == nil {
		panic("wkv: nil " + name)
	}
	if m.R != kn.heads || m.C != kn.headSize {
		panic(fmt.Sprintf("wkv: %s is %dx%d, kernel expects %dx%d", name, m.R, m.C, kn.heads, kn.headSize))
	}
}

func (kn *Kernel) decays(w *tensor.Mat) []float32 {
	dec := make([]float32, kn.dim)
	for h := 0; h < kn.heads; h++ {
		row := w.Row(h)
		for j := 0; j < kn.headSize; j++ {
			dec[h*kn.headSize+j] = Decay(row[j])
		}
	}
	return dec
}

// Forward runs the recurrence. r, k and v are (B, T, heads*headSize)
// activations; w and u are the per-head decay and bonus parameters of
// shape (heads, headSize). The per-head state starts at zero for every
// call and never persists across calls.
//
// For head channel i at step t the output is
//
//	y[t][i] = Σ_j r[t][j] · (u[j]·k[t][j]·v[t][i] + S[j][i])
//
// followed by the state update S[j][i] ← S[j][i]·decay[j] + k[t][j]·v[t][i].
// Lanes (batch × head) are independent and run on the worker pool; time
// order within a lane is strict.
func (kn *Kernel) Forward(r, k, v *tensor.Seq, w, u *tensor.Mat) *tensor.Seq {
	kn.checkInput("r", r)
	kn.checkInput("k", k)
	kn.checkInput("v", v)
	if !r.SameShape(k) || !r.SameShape(v) {
		panic("wkv: r/k/v shape mismatch")
	}
	kn.checkParam("w", w)
	kn.checkParam("u", u)

	B, T, C := r.B, r.T, r.C
	N := kn.headSize
	y := tensor.NewSeq(B, T, C)
	dec := kn.decays(w)

	runLanes(B*kn.heads, func(lane int) {
		b, h := lane/kn.heads, lane%kn.heads
		off := h * N
		uRow := u.Row(h)
		decRow := dec[off : off+N]
		state := make([]float32, N*N)

		for t := 0; t < T; t++ {
			base := (b*T+t)*C + off
			rRow := r.Data[base : base+N]
			kRow := k.Data[base : base+N]
			vRow := v.Data[base : base+N]
			yRow := y.Data[base : base+N]
			for j := 0; j < N; j++ {
				kj := kRow[j]
				rj := rRow[j]
				uj := uRow[j]
				dj := decRow[j]
				row := state[j*N : j*N+N]
				for i := 0; i < N; i++ {
					x := kj * vRow[i]
					yRow[i] += rj * (uj*x + row[i])
					row[i] = row[i]*dj + x
				}
			}
		}
	})
	return y
}

// Backward computes exact gradients for every Forward input given the
// output gradient gy. gr, gk and gv match the activation shapes; gw and
// gu are summed over the batch into (heads, headSize), with gw expressed
// with respect to the raw decay parameter (the chain through the
// double-exponential construction is included).
//
// The adjoint is evaluated with one forward scan (gr, gw, gu) and one
// reverse scan (gk, gv), each O(T·N²) per lane; the T×T attention matrix
// is never materialised.
func (kn *Kernel) Backward(r, k, v *tensor.Seq, w, u *tensor.Mat, gy *tensor.Seq) (gr, gk, gv *tensor.Seq, gw, gu *tensor.Mat) {
	kn.checkInput("r", r)
	kn.checkInput("k", k)
	kn.checkInput("v", v)
	kn.checkInput("gy", gy)
	if !r.SameShape(k) || !r.SameShape(v) || !r.SameShape(gy) {
		panic("wkv: r/k/v/gy shape mismatch")
	}
	kn.checkParam("w", w)
	kn.checkParam("u", u)

	B, T, C := r.B, r.T, r.C
	N := kn.headSize
	gr = tensor.NewSeq(B, T, C)
	gk = tensor.NewSeq(B, T, C)
	gv = tensor.NewSeq(B, T, C)
	dec := kn.decays(w)

	// Per-lane gw/gu segments avoid synchronising across lanes; they are
	// reduced over the batch afterwards.
	gwLane := make([]float32, B*C)
	guLane := make([]float32, B*C)

	runLanes(B*kn.heads, func(lane int) {
		b, h := lane/kn.heads, lane%kn.heads
		off := h * N
		uRow := u.Row(h)
		wRow := w.Row(h)
		decRow := dec[off : off+N]
		gwSeg := gwLane[b*C+off : b*C+off+N]
		guSeg := guLane[b*C+off : b*C+off+N]

		// Forward scan: S is the pre-update state, A accumulates dS/ddecay.
		state := make([]float32, N*N)
		acc := make([]float32, N*N)
		for t := 0; t < T; t++ {
			base := (b*T+t)*C + off
			rRow := r.Data[base : base+N]
			kRow := k.Data[base : base+N]
			vRow := v.Data[base : base+N]
			gyRow := gy.Data[base : base+N]
			grRow := gr.Data[base : base+N]

			var gyDotV float32
			for i := 0; i < N; i++ {
				gyDotV += gyRow[i] * vRow[i]
			}
			for j := 0; j < N; j++ {
				kj := kRow[j]
				uj := uRow[j]
				dj := decRow[j]
				sRow := state[j*N : j*N+N]
				aRow := acc[j*N : j*N+N]
				var grj, gwj float32
				for i := 0; i < N; i++ {
					x := kj * vRow[i]
					grj += gyRow[i] * (uj*x + sRow[i])
					gwj += gyRow[i] * aRow[i]
					aRow[i] = aRow[i]*dj + sRow[i]
					sRow[i] = sRow[i]*dj + x
				}
				grRow[j] = grj
				gwSeg[j] += rRow[j] * gwj
				guSeg[j] += rRow[j] * kj * gyDotV
			}
		}

		// Chain rule through decay = exp(-exp(w)).
		for j := 0; j < N; j++ {
			ew := -float32(math.Exp(float64(wRow[j])))
			gwSeg[j] *= decRow[j] * ew
		}

		// Reverse scan: bst[j][i] carries Σ_{s>t} r[s][j]·decay^{s-1-t}·gy[s][i].
		bst := make([]float32, N*N)
		for t := T - 1; t >= 0; t-- {
			base := (b*T+t)*C + off
			rRow := r.Data[base : base+N]
			kRow := k.Data[base : base+N]
			vRow := v.Data[base : base+N]
			gyRow := gy.Data[base : base+N]
			gkRow := gk.Data[base : base+N]
			gvRow := gv.Data[base : base+N]

			for j := 0; j < N; j++ {
				rj := rRow[j]
				uj := uRow[j]
				bRow := bst[j*N : j*N+N]
				var gkj float32
				for i := 0; i < N; i++ {
					gkj += vRow[i] * (uj*rj*gyRow[i] + bRow[i])
				}
				gkRow[j] = gkj
			}
			for i := 0; i < N; i++ {
				gyi := gyRow[i]
				var gvi float32
				for j := 0; j < N; j++ {
					gvi += kRow[j] * (uRow[j]*rRow[j]*gyi + bst[j*N+i])
				}
				gvRow[i] = gvi
			}
			for j := 0; j < N; j++ {
				rj := rRow[j]
				dj := decRow[j]
				bRow := bst[j*N : j*N+N]
				for i := 0; i < N; i++ {
					bRow[i] = bRow[i]*dj + rj*gyRow[i]
				}
			}
		}
	})

	gwOut := tensor.NewMat(kn.heads, N)
	guOut := tensor.NewMat(kn.heads, N)
	for b := 0; b < B; b++ {
		for c := 0; c < C; c++ {
			gwOut.Data[c] += gwLane[b*C+c]
			guOut.Data[c] += guLane[b*C+c]
		}
	}
	return gr, gk, gv, &gwOut, &guOut
}
