package pipeline

import (
	"context"
	"fmt"

	"github.com/banshee-data/lane.assist/internal/config"
	"github.com/banshee-data/lane.assist/internal/frame"
	"github.com/banshee-data/lane.assist/internal/geom"
	"github.com/banshee-data/lane.assist/internal/inference"
	"github.com/banshee-data/lane.assist/internal/lane"
)

// Smoother stabilises raw lane positions for one stream.
type Smoother interface {
	Update(raw lane.Positions) lane.Positions
}

// SmootherFunc adapts a function to Smoother.
type SmootherFunc func(raw lane.Positions) lane.Positions

// Update calls f.
func (f SmootherFunc) Update(raw lane.Positions) lane.Positions { return f(raw) }

// LaneConfig holds the lane pipeline parameters.
type LaneConfig struct {
	Rectify    geom.RectifyConfig
	Preprocess inference.Preprocess
	Griding    int
	RowAnchors []int
	SafeXRatio float64
	SafeYRatio float64
}

// LaneConfigFrom builds a LaneConfig from the loaded configuration.
func LaneConfigFrom(cfg *config.PipelineConfig) LaneConfig {
	w, h := cfg.GetLaneInputSize()
	mean, std := cfg.GetLaneNormalization()
	return LaneConfig{
		Rectify: cfg.GetRectify(),
		Preprocess: inference.Preprocess{
			Width:     w,
			Height:    h,
			InputName: cfg.GetLaneInputName(),
			SwapRB:    true,
			Mean:      mean,
			Std:       std,
		},
		Griding:    cfg.GetGridingNum(),
		RowAnchors: cfg.GetRowAnchors(),
		SafeXRatio: cfg.GetSafeXRatio(),
		SafeYRatio: cfg.GetSafeYRatio(),
	}
}

// LanePipeline runs rectify, infer, stabilise, fit and render for one frame.
// It holds no per-stream state; the caller supplies the Smoother.
type LanePipeline struct {
	cfg      LaneConfig
	model    inference.Model
	img      Imaging
	analyzer lane.Analyzer
}

// NewLanePipeline creates a lane pipeline.
func NewLanePipeline(cfg LaneConfig, model inference.Model, img Imaging) *LanePipeline {
	return &LanePipeline{
		cfg:   cfg,
		model: model,
		img:   img,
		analyzer: lane.Analyzer{
			Geometry: lane.Geometry{
				InputWidth:  cfg.Preprocess.Width,
				InputHeight: cfg.Preprocess.Height,
				Griding:     cfg.Griding,
				RowAnchors:  cfg.RowAnchors,
				Width:       cfg.Rectify.OutputWidth,
				Height:      cfg.Rectify.OutputHeight,
			},
			Classifier: lane.Classifier{
				Width:      cfg.Rectify.OutputWidth,
				Height:     cfg.Rectify.OutputHeight,
				SafeXRatio: cfg.SafeXRatio,
				SafeYRatio: cfg.SafeYRatio,
			},
		},
	}
}

// OutputSize returns the size of rectified and overlay frames.
func (p *LanePipeline) OutputSize() (width, height int) {
	return p.cfg.Rectify.OutputWidth, p.cfg.Rectify.OutputHeight
}

// Rectify maps the configured region of f onto the canonical rectangle.
func (p *LanePipeline) Rectify(f frame.Frame) (frame.Frame, error) {
	h, err := geom.RectifyTransform(p.cfg.Rectify, f.Cols, f.Rows)
	if err != nil {
		return frame.Frame{}, err
	}
	return p.img.Warp(f, h, p.cfg.Rectify.OutputWidth, p.cfg.Rectify.OutputHeight)
}

// Detect runs the lane model on a rectified frame and decodes raw positions.
func (p *LanePipeline) Detect(ctx context.Context, rect frame.Frame) (lane.Positions, error) {
	pre := p.cfg.Preprocess
	in, err := p.img.Resize(rect, pre.Width, pre.Height)
	if err != nil {
		return lane.Positions{}, err
	}
	t, err := pre.Normalize(in)
	if err != nil {
		return lane.Positions{}, err
	}
	out, err := p.model.Infer(ctx, t, pre.InputName)
	if err != nil {
		return lane.Positions{}, err
	}
	if len(out) == 0 {
		return lane.Positions{}, fmt.Errorf("lane model returned no outputs")
	}
	return lane.Decode(out[0], p.cfg.Griding)
}

// Process runs the full lane pipeline on a raw frame and returns the
// analysis with the rendered overlay.
func (p *LanePipeline) Process(ctx context.Context, f frame.Frame, s Smoother) (lane.FrameResult, frame.Frame, error) {
	rect, err := p.Rectify(f)
	if err != nil {
		return lane.FrameResult{}, frame.Frame{}, err
	}
	raw, err := p.Detect(ctx, rect)
	if err != nil {
		return lane.FrameResult{}, frame.Frame{}, err
	}
	res := p.analyzer.Analyze(s.Update(raw))
	overlay, err := p.img.DrawLanes(rect, res.Curves[:])
	if err != nil {
		return lane.FrameResult{}, frame.Frame{}, err
	}
	return res, overlay, nil
}
