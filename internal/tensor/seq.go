package tensor

// Seq is a contiguous (batch, time, channels) activation tensor.
// The layout is row-major with the channel axis innermost, so the
// (b, t) row is a contiguous slice of length C.
type Seq struct {
	B, T, C int
	Data    []float32
}

// NewSeq allocates a zero-initialised sequence tensor.
func NewSeq(b, t, c int) *Seq {
	if b < 0 || t < 0 || c < 0 {
		panic("tensor: negative sequence dimension")
	}
	return &Seq{B: b, T: t, C: c, Data: make([]float32, b*t*c)}
}

// At returns a mutable view of the channel vector at (b, t).
func (s *Seq) At(b, t int) []float32 {
	if b < 0 || b >= s.B || t < 0 || t >= s.T {
		panic("tensor: sequence index out of range")
	}
	start := (b*s.T + t) * s.C
	return s.Data[start : start+s.C]
}

// Clone returns a deep copy.
func (s *Seq) Clone() *Seq {
	out := &Seq{B: s.B, T: s.T, C: s.C, Data: make([]float32, len(s.Data))}
	copy(out.Data, s.Data)
	return out
}

// Zero clears all elements.
func (s *Seq) Zero() {
	clear(s.Data)
}

// AsMat views the tensor as a (B*T, C) matrix sharing the same storage.
func (s *Seq) AsMat() Mat {
	return Mat{R: s.B * s.T, C: s.C, Stride: s.C, Data: s.Data}
}

// SameShape reports whether two sequence tensors have identical dimensions.
func (s *Seq) SameShape(o *Seq) bool {
	return s.B == o.B && s.T == o.T && s.C == o.C
}
