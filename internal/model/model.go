// Package model composes the full vision-augmented system: the frozen
// vision backbone, grid pooling and projection, the multimodal
// assembler with its scan strategy, the recurrent trunk, and the
// optional contrastive alignment head.
package model

import (
	"context"
	"fmt"

	"vrwkv/internal/align"
	"vrwkv/internal/logger"
	"vrwkv/internal/multimodal"
	"vrwkv/internal/rwkv"
	"vrwkv/internal/tensor"
	"vrwkv/internal/vision"
)

// Config is the complete system configuration.
type Config struct {
	Model rwkv.Config `yaml:"model"`

	// GridSize selects image feature pooling: -1 keeps every patch,
	// 0 keeps the class token only, 1 pools globally, g≥2 pools to g×g.
	GridSize int `yaml:"grid_size"`

	// ImageScanning names the scan strategy applied to the image span.
	ImageScanning string `yaml:"image_scanning"`

	// AlignQueueSize enables the contrastive alignment head when
	// positive; it is the number of negative samples kept per modality.
	AlignQueueSize int    `yaml:"align_queue_size"`
	AlignReduction string `yaml:"align_reduction"`
}

// VisualRWKV ties the components together.
type VisualRWKV struct {
	cfg      Config
	log      logger.Logger
	trunk    *rwkv.Model
	backbone vision.Backbone
	proj     *vision.Projector
	strategy multimodal.Strategy
	align    *align.Module
}

// New builds an initialised system around the given backbone. The scan
// strategy is resolved here, once, from configuration.
func New(cfg Config, backbone vision.Backbone, log logger.Logger) (*VisualRWKV, error) {
	if log == nil {
		log = logger.Default()
	}
	trunk, err := rwkv.New(cfg.Model)
	if err != nil {
		return nil, err
	}
	cfg.Model = trunk.Config // validated config with defaults filled

	strategy, err := multimodal.NewStrategy(cfg.ImageScanning)
	if err != nil {
		return nil, err
	}
	if err := validateGrid(cfg.GridSize, backbone.GridSide()); err != nil {
		return nil, err
	}

	m := &VisualRWKV{
		cfg:      cfg,
		log:      log,
		trunk:    trunk,
		backbone: backbone,
		proj:     vision.NewProjector(backbone.FeatureDim(), cfg.Model.NEmbd),
		strategy: strategy,
	}

	if cfg.AlignQueueSize > 0 {
		m.align, err = align.New(align.Config{
			QueueSize: cfg.AlignQueueSize,
			TextLen:   cfg.Model.CtxLen,
			VisionLen: 1 + backbone.GridSide()*backbone.GridSide(),
			TextDim:   cfg.Model.NEmbd,
			VisionDim: backbone.FeatureDim(),
			Reduction: cfg.AlignReduction,
		}, m.proj)
		if err != nil {
			return nil, err
		}
	}

	log.Info("model initialised",
		"layers", cfg.Model.NLayer,
		"embd", cfg.Model.NEmbd,
		"scan", strategy.Name(),
		"grid", cfg.GridSize,
		"align", m.align != nil)
	return m, nil
}

func validateGrid(grid, side int) error {
	switch {
	case grid == -1 || grid == 0 || grid == 1:
		return nil
	case grid >= 2:
		if side%grid != 0 {
			return fmt.Errorf("model: backbone grid side %d not divisible by grid_size %d", side, grid)
		}
		return nil
	default:
		return fmt.Errorf("model: invalid grid_size %d", grid)
	}
}

// Trunk exposes the language trunk, mainly for tests and tooling.
func (m *VisualRWKV) Trunk() *rwkv.Model { return m.trunk }

// Config returns the validated configuration.
func (m *VisualRWKV) Config() Config { return m.cfg }

// EncodeImages runs the backbone, pools the patch grid and projects the
// result into the trunk's embedding space. The output is (B, L, nEmbd)
// with the class token last.
func (m *VisualRWKV) EncodeImages(ctx context.Context, images []vision.Image) (*tensor.Seq, error) {
	features, err := m.backbone.Encode(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("model: encode images: %w", err)
	}
	pooled, err := vision.Pool(features, m.cfg.GridSize)
	if err != nil {
		return nil, err
	}
	return m.proj.Forward(pooled), nil
}

// Forward assembles a multimodal batch and runs the trunk over it,
// returning the logits and the assembled (truncated, padded) labels.
// images carries one image per sample; samples without an ImageToken
// placeholder get their feature rows zeroed by the assembler.
func (m *VisualRWKV) Forward(ctx context.Context, tokens, labels [][]int, images []vision.Image) (*tensor.Seq, [][]int, error) {
	batch, err := m.assemble(ctx, tokens, labels, images, true)
	if err != nil {
		return nil, nil, err
	}
	logits, err := m.run(batch)
	if err != nil {
		return nil, nil, err
	}
	return logits, batch.Labels, nil
}

func (m *VisualRWKV) assemble(ctx context.Context, tokens, labels [][]int, images []vision.Image, truncate bool) (*multimodal.Batch, error) {
	features, err := m.EncodeImages(ctx, images)
	if err != nil {
		return nil, err
	}
	return multimodal.Assemble(m.trunk.Emb.Row, tokens, labels, features,
		m.cfg.Model.NEmbd, m.cfg.Model.CtxLen, truncate)
}

// run applies the scan strategy around the trunk and projects to
// logits. The span is clamped in case truncation cut into it.
func (m *VisualRWKV) run(batch *multimodal.Batch) (*tensor.Seq, error) {
	span := batch.Span.Clamp(batch.Embeds.T)
	if err := m.strategy.Prepare(batch.Embeds, batch.Features, span); err != nil {
		return nil, err
	}
	return m.forward(batch.Embeds, span), nil
}

// forward runs the trunk with the scan hooks over an already-prepared
// sequence.
func (m *VisualRWKV) forward(x *tensor.Seq, span multimodal.Span) *tensor.Seq {
	hidden := m.trunk.Hidden(x,
		func(layer int, h *tensor.Seq) { m.strategy.Before(layer, h, span) },
		func(layer int, h *tensor.Seq) { m.strategy.After(layer, h, span) },
	)
	return m.trunk.Logits(hidden)
}

// AlignmentLoss scores image-text agreement for one batch and updates
// the negative queues. tokens must already be padded to the context
// length, with mask marking real positions. Requires align_queue_size
// to be configured.
func (m *VisualRWKV) AlignmentLoss(ctx context.Context, tokens [][]int, mask [][]bool, images []vision.Image) (float64, error) {
	if m.align == nil {
		return 0, fmt.Errorf("model: alignment head not configured")
	}
	visionEmbeds, err := m.backbone.Encode(ctx, images)
	if err != nil {
		return 0, fmt.Errorf("model: encode images: %w", err)
	}
	text := m.trunk.Embed(tokens)
	return m.align.Loss(text, visionEmbeds, mask)
}
