package vision

import (
	"math"

	"vrwkv/internal/tensor"
)

// Projector is the trainable bias-free linear map from backbone feature
// space into the trunk embedding space.
type Projector struct {
	Weight tensor.Mat // (nEmbd, featureDim)
}

// NewProjector builds an initialised projector.
func NewProjector(featureDim, embedDim int) *Projector {
	p := &Projector{Weight: tensor.NewMat(embedDim, featureDim)}
	tensor.FillUniform(&p.Weight, 3, float32(1.0/math.Sqrt(float64(featureDim))))
	return p
}

// Forward maps pooled features (B, T, featureDim) to (B, T, embedDim).
func (p *Projector) Forward(features *tensor.Seq) *tensor.Seq {
	out := tensor.NewSeq(features.B, features.T, p.Weight.R)
	tensor.LinearInto(out, features, &p.Weight)
	return out
}
