package model

import (
	"vrwkv/internal/checkpoint"
)

// parameters collects every trainable tensor, trunk parameters under
// their canonical names plus the vision projection.
func (m *VisualRWKV) parameters() map[string]checkpoint.Tensor {
	out := make(map[string]checkpoint.Tensor)
	for name, p := range m.trunk.Parameters() {
		out[name] = checkpoint.Tensor{Shape: p.Shape, Data: p.Data}
	}
	out["proj.weight"] = checkpoint.Tensor{
		Shape: []int{m.proj.Weight.R, m.proj.Weight.C},
		Data:  m.proj.Weight.Data,
	}
	return out
}

// Save writes the full model state as an F32 safetensors file.
func (m *VisualRWKV) Save(path string) error {
	if err := checkpoint.Save(path, m.parameters()); err != nil {
		return err
	}
	m.log.Info("checkpoint saved", "path", path)
	return nil
}

// Load restores state by tensor name. Names missing from the file keep
// their initialised values, so a text-only checkpoint can seed a
// multimodal model; a shape conflict on a shared name is an error.
func (m *VisualRWKV) Load(path string) error {
	restored, missing, err := checkpoint.Restore(path, m.parameters())
	if err != nil {
		return err
	}
	m.log.Info("checkpoint loaded", "path", path, "restored", len(restored), "missing", len(missing))
	if len(missing) > 0 {
		m.log.Warn("tensors not in checkpoint, keeping initialised values", "names", missing)
	}
	return nil
}
