package multimodal

import (
	"fmt"
	"math"

	"vrwkv/internal/tensor"
)

// Strategy reorders the image span of an assembled batch around trunk
// layers. Prepare runs once before the first layer and may rewrite the
// span from the raw features; Before and After bracket every layer and
// must leave positions outside the span untouched. A strategy is chosen
// once from configuration, not per forward call.
type Strategy interface {
	Name() string
	Prepare(x *tensor.Seq, features *tensor.Seq, span Span) error
	Before(layer int, x *tensor.Seq, span Span)
	After(layer int, x *tensor.Seq, span Span)
}

// StrategyNames lists the accepted scan strategy names.
func StrategyNames() []string {
	return []string{
		"unidirection", "bidirection", "multidirection",
		"rotation", "spiral", "snake", "zigzag",
	}
}

// NewStrategy resolves a scan strategy by name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", "unidirection":
		return unidirection{}, nil
	case "bidirection":
		return bidirection{}, nil
	case "multidirection":
		return multidirection{}, nil
	case "rotation":
		return &rotation{}, nil
	case "spiral":
		return &static{name: "spiral", order: SpiralOrder}, nil
	case "snake":
		return &static{name: "snake", order: SnakeOrder}, nil
	case "zigzag":
		return &static{name: "zigzag", order: ZigzagOrder}, nil
	default:
		return nil, fmt.Errorf("multimodal: unknown scan strategy %q", name)
	}
}

// unidirection leaves the assembled order untouched.
type unidirection struct{}

func (unidirection) Name() string                                 { return "unidirection" }
func (unidirection) Prepare(*tensor.Seq, *tensor.Seq, Span) error { return nil }
func (unidirection) Before(int, *tensor.Seq, Span)                {}
func (unidirection) After(int, *tensor.Seq, Span)                 {}

// bidirection reverses the image span on odd layers and restores it
// afterwards, so alternate layers scan the grid in opposite directions.
type bidirection struct{}

func (bidirection) Name() string                                 { return "bidirection" }
func (bidirection) Prepare(*tensor.Seq, *tensor.Seq, Span) error { return nil }

func (bidirection) Before(layer int, x *tensor.Seq, span Span) {
	if layer%2 == 1 {
		reverseSpan(x, span)
	}
}

func (bidirection) After(layer int, x *tensor.Seq, span Span) {
	if layer%2 == 1 {
		reverseSpan(x, span)
	}
}

// multidirection cycles through four grid readings across layers:
// row-major, reversed, column-major and reversed column-major. The
// transpose wraps the reversal so the restore order is reverse first,
// transpose second.
type multidirection struct{}

func (multidirection) Name() string { return "multidirection" }

func (multidirection) Prepare(_ *tensor.Seq, _ *tensor.Seq, span Span) error {
	if _, ok := squareSide(span.Len()); !ok {
		return fmt.Errorf("multimodal: multidirection needs a square image span, got %d positions", span.Len())
	}
	return nil
}

func (multidirection) Before(layer int, x *tensor.Seq, span Span) {
	if layer%4 >= 2 {
		transposeSpan(x, span)
	}
	if layer%2 == 1 {
		reverseSpan(x, span)
	}
}

func (multidirection) After(layer int, x *tensor.Seq, span Span) {
	if layer%2 == 1 {
		reverseSpan(x, span)
	}
	if layer%4 >= 2 {
		transposeSpan(x, span)
	}
}

// rotation shifts the image span right by a third of its length after
// every layer. The shift is cumulative across layers.
type rotation struct{}

func (*rotation) Name() string                                 { return "rotation" }
func (*rotation) Prepare(*tensor.Seq, *tensor.Seq, Span) error { return nil }
func (*rotation) Before(int, *tensor.Seq, Span)                {}

func (*rotation) After(_ int, x *tensor.Seq, span Span) {
	rotateSpan(x, span, span.Len()/3)
}

// static splices a fixed permutation of the grid features into the span
// once, before the first layer. The class token (last feature row) is
// excluded from the permutation.
type static struct {
	name  string
	order func(n int) []int
}

func (s *static) Name() string { return s.name }

func (s *static) Prepare(x *tensor.Seq, features *tensor.Seq, span Span) error {
	side, ok := squareSide(span.Len())
	if !ok {
		return fmt.Errorf("multimodal: %s scan needs a square image span, got %d positions", s.name, span.Len())
	}
	if side == 0 {
		return nil
	}
	if features == nil || features.T < span.Len()+1 {
		return fmt.Errorf("multimodal: %s scan needs %d grid feature rows", s.name, span.Len())
	}
	order := s.order(side)
	for b := 0; b < x.B; b++ {
		for pos, src := range order {
			if span.Start+pos >= x.T {
				break
			}
			copy(x.At(b, span.Start+pos), features.At(b, src))
		}
	}
	return nil
}

func (s *static) Before(int, *tensor.Seq, Span) {}
func (s *static) After(int, *tensor.Seq, Span)  {}

func squareSide(n int) (int, bool) {
	side := int(math.Sqrt(float64(n)))
	for side*side < n {
		side++
	}
	return side, side*side == n
}

func reverseSpan(x *tensor.Seq, span Span) {
	span = span.Clamp(x.T)
	tmp := make([]float32, x.C)
	for b := 0; b < x.B; b++ {
		for lo, hi := span.Start, span.End-1; lo < hi; lo, hi = lo+1, hi-1 {
			a, z := x.At(b, lo), x.At(b, hi)
			copy(tmp, a)
			copy(a, z)
			copy(z, tmp)
		}
	}
}

func transposeSpan(x *tensor.Seq, span Span) {
	span = span.Clamp(x.T)
	side, ok := squareSide(span.Len())
	if !ok || side < 2 {
		return
	}
	scratch := make([]float32, span.Len()*x.C)
	for b := 0; b < x.B; b++ {
		for p := 0; p < span.Len(); p++ {
			copy(scratch[p*x.C:(p+1)*x.C], x.At(b, span.Start+p))
		}
		for row := 0; row < side; row++ {
			for col := 0; col < side; col++ {
				src := scratch[(col*side+row)*x.C : (col*side+row+1)*x.C]
				copy(x.At(b, span.Start+row*side+col), src)
			}
		}
	}
}

// rotateSpan rotates the span rows right by distance positions.
func rotateSpan(x *tensor.Seq, span Span, distance int) {
	span = span.Clamp(x.T)
	n := span.Len()
	if n == 0 {
		return
	}
	distance = ((distance % n) + n) % n
	if distance == 0 {
		return
	}
	scratch := make([]float32, n*x.C)
	for b := 0; b < x.B; b++ {
		for p := 0; p < n; p++ {
			copy(scratch[p*x.C:(p+1)*x.C], x.At(b, span.Start+p))
		}
		for p := 0; p < n; p++ {
			src := scratch[((p-distance+n)%n)*x.C:]
			copy(x.At(b, span.Start+p), src[:x.C])
		}
	}
}
