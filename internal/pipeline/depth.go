package pipeline

import (
	"context"
	"fmt"

	"github.com/banshee-data/lane.assist/internal/config"
	"github.com/banshee-data/lane.assist/internal/depth"
	"github.com/banshee-data/lane.assist/internal/frame"
	"github.com/banshee-data/lane.assist/internal/inference"
)

// DepthConfig holds the depth pipeline parameters.
type DepthConfig struct {
	Preprocess inference.Preprocess
	Scale      float64
}

// DepthConfigFrom builds a DepthConfig from the loaded configuration.
func DepthConfigFrom(cfg *config.PipelineConfig) DepthConfig {
	w, h := cfg.GetDepthInputSize()
	mean, std := cfg.GetDepthNormalization()
	return DepthConfig{
		Preprocess: inference.Preprocess{
			Width:     w,
			Height:    h,
			InputName: cfg.GetDepthInputName(),
			SwapRB:    true,
			Mean:      mean,
			Std:       std,
		},
		Scale: cfg.GetDepthScale(),
	}
}

// DepthPipeline runs the depth model on raw, non-rectified frames.
type DepthPipeline struct {
	cfg   DepthConfig
	model inference.Model
	img   Imaging
}

// NewDepthPipeline creates a depth pipeline.
func NewDepthPipeline(cfg DepthConfig, model inference.Model, img Imaging) *DepthPipeline {
	return &DepthPipeline{cfg: cfg, model: model, img: img}
}

// Measure returns the metric depth map for f.
func (p *DepthPipeline) Measure(ctx context.Context, f frame.Frame) (depth.Map, error) {
	pre := p.cfg.Preprocess
	in, err := p.img.Resize(f, pre.Width, pre.Height)
	if err != nil {
		return depth.Map{}, err
	}
	t, err := pre.Normalize(in)
	if err != nil {
		return depth.Map{}, err
	}
	out, err := p.model.Infer(ctx, t, pre.InputName)
	if err != nil {
		return depth.Map{}, err
	}
	if len(out) == 0 {
		return depth.Map{}, fmt.Errorf("depth model returned no outputs")
	}
	return depth.FromDisparity(out[0], p.cfg.Scale)
}

// Render measures f and returns the colourised visualisation together with
// the depth result.
func (p *DepthPipeline) Render(ctx context.Context, f frame.Frame) (depth.Frame, frame.Frame, error) {
	m, err := p.Measure(ctx, f)
	if err != nil {
		return depth.Frame{}, frame.Frame{}, err
	}
	d := depth.Render(m)
	vis, err := p.img.Colorize(d.Visual, m.Rows, m.Cols, d.Rect)
	if err != nil {
		return depth.Frame{}, frame.Frame{}, err
	}
	return d, vis, nil
}
