package vision

import (
	"context"
	"math"
	"testing"

	"vrwkv/internal/tensor"
)

// gridFixture builds (B=1, 1+side², D) features where the class token is
// all 100s and grid token (y, x) holds the value y*side+x in every channel.
func gridFixture(side, dim int) *tensor.Seq {
	f := tensor.NewSeq(1, 1+side*side, dim)
	for c := 0; c < dim; c++ {
		f.At(0, 0)[c] = 100
	}
	for t := 0; t < side*side; t++ {
		row := f.At(0, t+1)
		for c := range row {
			row[c] = float32(t)
		}
	}
	return f
}

func TestPoolClsOnly(t *testing.T) {
	t.Parallel()
	out, err := Pool(gridFixture(4, 3), 0)
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	if out.T != 1 {
		t.Fatalf("tokens = %d, want 1", out.T)
	}
	if out.At(0, 0)[0] != 100 {
		t.Fatalf("cls value = %f, want 100", out.At(0, 0)[0])
	}
}

func TestPoolKeepAllMovesClsLast(t *testing.T) {
	t.Parallel()
	out, err := Pool(gridFixture(2, 2), -1)
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	if out.T != 5 {
		t.Fatalf("tokens = %d, want 5", out.T)
	}
	for tok := 0; tok < 4; tok++ {
		if out.At(0, tok)[0] != float32(tok) {
			t.Fatalf("token %d = %f, want %d", tok, out.At(0, tok)[0], tok)
		}
	}
	if out.At(0, 4)[0] != 100 {
		t.Fatal("class token not at end")
	}
}

func TestPoolGlobalMean(t *testing.T) {
	t.Parallel()
	out, err := Pool(gridFixture(2, 2), 1)
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	if out.T != 2 {
		t.Fatalf("tokens = %d, want 2", out.T)
	}
	// Grid values 0..3 average to 1.5.
	if math.Abs(float64(out.At(0, 0)[0]-1.5)) > 1e-6 {
		t.Fatalf("mean = %f, want 1.5", out.At(0, 0)[0])
	}
	if out.At(0, 1)[0] != 100 {
		t.Fatal("class token not at end")
	}
}

func TestPoolGridAverage(t *testing.T) {
	t.Parallel()
	out, err := Pool(gridFixture(4, 1), 2)
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	if out.T != 5 {
		t.Fatalf("tokens = %d, want 5", out.T)
	}
	// Top-left 2x2 window of a 4-wide row-major ramp: {0,1,4,5} -> 2.5.
	if math.Abs(float64(out.At(0, 0)[0]-2.5)) > 1e-6 {
		t.Fatalf("pooled cell = %f, want 2.5", out.At(0, 0)[0])
	}
	// Bottom-right window: {10,11,14,15} -> 12.5.
	if math.Abs(float64(out.At(0, 3)[0]-12.5)) > 1e-6 {
		t.Fatalf("pooled cell = %f, want 12.5", out.At(0, 3)[0])
	}
	if out.At(0, 4)[0] != 100 {
		t.Fatal("class token not at end")
	}
}

func TestPoolRejectsBadShapes(t *testing.T) {
	t.Parallel()
	// 6 patch tokens: not a square grid.
	if _, err := Pool(tensor.NewSeq(1, 7, 2), -1); err == nil {
		t.Fatal("expected error for non-square grid")
	}
	// 4x4 grid, pooling size 3 does not divide.
	if _, err := Pool(gridFixture(4, 1), 3); err == nil {
		t.Fatal("expected error for indivisible pooling size")
	}
	if _, err := Pool(gridFixture(2, 1), -7); err == nil {
		t.Fatal("expected error for invalid grid setting")
	}
}

func TestDummyBackboneDeterministic(t *testing.T) {
	t.Parallel()
	bb := &Dummy{Dim: 8, Side: 2}
	img := Image{Channels: 1, Height: 4, Width: 4, Pixels: make([]float32, 16)}
	for i := range img.Pixels {
		img.Pixels[i] = float32(i) * 0.1
	}

	a, err := bb.Encode(context.Background(), []Image{img})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := bb.Encode(context.Background(), []Image{img})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if a.T != 5 || a.C != 8 {
		t.Fatalf("feature shape %dx%d, want 5x8", a.T, a.C)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatal("encoding is not deterministic")
		}
	}
}

func TestDummyBackboneRejectsBadImage(t *testing.T) {
	t.Parallel()
	bb := &Dummy{Dim: 4, Side: 2}
	bad := Image{Channels: 3, Height: 2, Width: 2, Pixels: make([]float32, 5)}
	if _, err := bb.Encode(context.Background(), []Image{bad}); err == nil {
		t.Fatal("expected error for mismatched pixel buffer")
	}
}

func TestProjectorShapes(t *testing.T) {
	t.Parallel()
	p := NewProjector(8, 16)
	in := tensor.NewSeq(2, 3, 8)
	for i := range in.Data {
		in.Data[i] = float32(i%7) * 0.25
	}
	out := p.Forward(in)
	if out.B != 2 || out.T != 3 || out.C != 16 {
		t.Fatalf("projected shape %dx%dx%d", out.B, out.T, out.C)
	}
}
