package vision

import (
	"fmt"
	"math"

	"vrwkv/internal/tensor"
)

// Pool reduces cls-first backbone features (B, 1+S·S, D) according to
// the grid setting and moves the class token to the end:
//
//	-1  keep every grid token, class token last
//	 0  class token only
//	 1  global mean of the grid tokens, then the class token
//	g≥2 average-pool the S×S grid to g×g, then the class token
//
// Downstream code relies on the class token sitting at the end: the
// image span handed to the scan orders is everything before it.
func Pool(features *tensor.Seq, grid int) (*tensor.Seq, error) {
	if features.T < 1 {
		return nil, fmt.Errorf("vision: features have no tokens")
	}
	B, D := features.B, features.C
	patches := features.T - 1
	side := int(math.Sqrt(float64(patches)))
	if side*side != patches {
		return nil, fmt.Errorf("vision: %d patch tokens do not form a square grid", patches)
	}

	switch {
	case grid == 0:
		out := tensor.NewSeq(B, 1, D)
		for b := 0; b < B; b++ {
			copy(out.At(b, 0), features.At(b, 0))
		}
		return out, nil

	case grid == -1:
		out := tensor.NewSeq(B, patches+1, D)
		for b := 0; b < B; b++ {
			for t := 0; t < patches; t++ {
				copy(out.At(b, t), features.At(b, t+1))
			}
			copy(out.At(b, patches), features.At(b, 0))
		}
		return out, nil

	case grid == 1:
		out := tensor.NewSeq(B, 2, D)
		for b := 0; b < B; b++ {
			mean := out.At(b, 0)
			for t := 1; t <= patches; t++ {
				row := features.At(b, t)
				for c := range mean {
					mean[c] += row[c]
				}
			}
			inv := 1 / float32(patches)
			for c := range mean {
				mean[c] *= inv
			}
			copy(out.At(b, 1), features.At(b, 0))
		}
		return out, nil

	case grid >= 2:
		if side%grid != 0 {
			return nil, fmt.Errorf("vision: grid side %d not divisible by pooling size %d", side, grid)
		}
		stride := side / grid
		out := tensor.NewSeq(B, grid*grid+1, D)
		inv := 1 / float32(stride*stride)
		for b := 0; b < B; b++ {
			for gy := 0; gy < grid; gy++ {
				for gx := 0; gx < grid; gx++ {
					dst := out.At(b, gy*grid+gx)
					for py := gy * stride; py < (gy+1)*stride; py++ {
						for px := gx * stride; px < (gx+1)*stride; px++ {
							src := features.At(b, 1+py*side+px)
							for c := range dst {
								dst[c] += src[c]
							}
						}
					}
					for c := range dst {
						dst[c] *= inv
					}
				}
			}
			copy(out.At(b, grid*grid), features.At(b, 0))
		}
		return out, nil

	default:
		return nil, fmt.Errorf("vision: invalid grid setting %d", grid)
	}
}
