// Package pipelinetest provides in-memory implementations of the pipeline
// collaborators for tests that must run without OpenCV.
package pipelinetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/banshee-data/lane.assist/internal/frame"
	"github.com/banshee-data/lane.assist/internal/geom"
	"github.com/banshee-data/lane.assist/internal/inference"
	"github.com/banshee-data/lane.assist/internal/lane"
	"github.com/banshee-data/lane.assist/internal/pipeline"
	"github.com/banshee-data/lane.assist/internal/tensor"
)

// Imaging implements pipeline.Imaging with the standard image codecs and
// placeholder geometry: Warp and Resize return blank frames of the requested
// size, DrawLanes marks every curve point white.
type Imaging struct {
	mu    sync.Mutex
	calls map[string]int
}

var _ pipeline.Imaging = (*Imaging)(nil)

// NewImaging returns a fake imaging backend.
func NewImaging() *Imaging {
	return &Imaging{calls: make(map[string]int)}
}

func (i *Imaging) record(name string) {
	i.mu.Lock()
	i.calls[name]++
	i.mu.Unlock()
}

// Calls returns how many times the named method ran.
func (i *Imaging) Calls(name string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls[name]
}

// Decode parses PNG data.
func (i *Imaging) Decode(data []byte) (frame.Frame, error) {
	i.record("Decode")
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", pipeline.ErrInputDecode, err)
	}
	b := img.Bounds()
	f := frame.New(b.Dy(), b.Dx())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			f.Set(y, x, byte(bl>>8), byte(g>>8), byte(r>>8))
		}
	}
	return f, nil
}

// EncodePNG encodes f as PNG.
func (i *Imaging) EncodePNG(f frame.Frame) ([]byte, error) {
	i.record("EncodePNG")
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, ToImage(f)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Warp returns a blank frame of the requested size.
func (i *Imaging) Warp(f frame.Frame, _ geom.Homography, width, height int) (frame.Frame, error) {
	i.record("Warp")
	if err := f.Validate(); err != nil {
		return frame.Frame{}, err
	}
	return frame.New(height, width), nil
}

// Resize returns a blank frame of the requested size.
func (i *Imaging) Resize(f frame.Frame, width, height int) (frame.Frame, error) {
	i.record("Resize")
	if err := f.Validate(); err != nil {
		return frame.Frame{}, err
	}
	return frame.New(height, width), nil
}

// DrawLanes marks curve points on a copy of f.
func (i *Imaging) DrawLanes(f frame.Frame, curves []lane.Curve) (frame.Frame, error) {
	i.record("DrawLanes")
	out := f.Clone()
	for _, c := range curves {
		for _, p := range c.Points {
			x, y := int(p.X), int(p.Y)
			if x >= 0 && y >= 0 && x < out.Cols && y < out.Rows {
				out.Set(y, x, 255, 255, 255)
			}
		}
	}
	return out, nil
}

// Colorize copies visual into every channel.
func (i *Imaging) Colorize(visual []uint8, rows, cols int, _ image.Rectangle) (frame.Frame, error) {
	i.record("Colorize")
	if len(visual) != rows*cols {
		return frame.Frame{}, fmt.Errorf("visual has %d values, want %d", len(visual), rows*cols)
	}
	f := frame.New(rows, cols)
	for k, v := range visual {
		f.Set(k/cols, k%cols, v, v, v)
	}
	return f, nil
}

// ToImage converts a frame to an image.RGBA.
func ToImage(f frame.Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Cols, f.Rows))
	for y := 0; y < f.Rows; y++ {
		for x := 0; x < f.Cols; x++ {
			b, g, r := f.At(y, x)
			img.Set(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img
}

// PNG encodes a solid frame of the given size, for use as request bodies.
func PNG(rows, cols int) []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, ToImage(frame.New(rows, cols)))
	return buf.Bytes()
}

// LaneModel returns a model whose output places lane l on the 0-based
// column bin bins[l] at every row anchor. A negative bin marks the lane as
// absent.
func LaneModel(rows, griding int, bins [lane.NumLanes]int) inference.Model {
	return inference.ModelFunc(func(ctx context.Context, _ *tensor.Tensor, _ string) ([]*tensor.Tensor, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := tensor.New(1, rows, griding+1, lane.NumLanes)
		for r := 0; r < rows; r++ {
			for l, b := range bins {
				if b < 0 {
					out.Set(20, 0, r, griding, l)
					continue
				}
				out.Set(20, 0, r, b, l)
			}
		}
		return []*tensor.Tensor{out}, nil
	})
}

// DepthModel returns a model producing a (1, 1, rows, cols) disparity map
// filled with value.
func DepthModel(rows, cols int, value float32) inference.Model {
	return inference.ModelFunc(func(_ context.Context, _ *tensor.Tensor, _ string) ([]*tensor.Tensor, error) {
		out := tensor.New(1, 1, rows, cols)
		for i := range out.Data {
			out.Data[i] = value
		}
		return []*tensor.Tensor{out}, nil
	})
}

// FailingModel always returns err.
func FailingModel(err error) inference.Model {
	return inference.ModelFunc(func(context.Context, *tensor.Tensor, string) ([]*tensor.Tensor, error) {
		return nil, err
	})
}

// Source is an in-memory pipeline.VideoSource.
type Source struct {
	Frames []frame.Frame
	Rate   float64
	// Count overrides the reported frame count when non-zero.
	Count int
	// FailAt makes Next fail when reaching that frame index (if > 0).
	FailAt int
	// Gate, when set, is received from before each frame is returned.
	Gate <-chan struct{}

	pos    int
	closed bool
}

// Next returns the next frame.
func (s *Source) Next() (frame.Frame, bool, error) {
	if s.Gate != nil {
		<-s.Gate
	}
	if s.FailAt > 0 && s.pos == s.FailAt {
		return frame.Frame{}, false, errors.New("corrupt frame")
	}
	if s.pos >= len(s.Frames) {
		return frame.Frame{}, false, nil
	}
	f := s.Frames[s.pos]
	s.pos++
	return f, true, nil
}

// FrameCount reports Count or the number of frames.
func (s *Source) FrameCount() int {
	if s.Count != 0 {
		return s.Count
	}
	return len(s.Frames)
}

// FPS returns Rate.
func (s *Source) FPS() float64 { return s.Rate }

// Close marks the source closed.
func (s *Source) Close() error {
	s.closed = true
	return nil
}

// Sink records written frames.
type Sink struct {
	mu     sync.Mutex
	Frames []frame.Frame
	FPS    float64
	Width  int
	Height int
	Closed bool
}

// Write records f.
func (s *Sink) Write(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, f)
	return nil
}

// Close marks the sink closed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Written returns the number of frames written.
func (s *Sink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// VideoIO serves registered sources and records created sinks.
type VideoIO struct {
	mu      sync.Mutex
	sources map[string]*Source
	sinks   map[string]*Sink
}

var _ pipeline.VideoIO = (*VideoIO)(nil)

// NewVideoIO returns an empty fake.
func NewVideoIO() *VideoIO {
	return &VideoIO{sources: make(map[string]*Source), sinks: make(map[string]*Sink)}
}

// AddSource registers src under path.
func (v *VideoIO) AddSource(path string, src *Source) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sources[path] = src
}

// Sink returns the sink created for path.
func (v *VideoIO) Sink(path string) *Sink {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sinks[path]
}

// OpenSource returns the source registered for path.
func (v *VideoIO) OpenSource(path string) (pipeline.VideoSource, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	src, ok := v.sources[path]
	if !ok {
		return nil, fmt.Errorf("cannot open %s", path)
	}
	return src, nil
}

// CreateSink creates and records a sink.
func (v *VideoIO) CreateSink(path string, fps float64, width, height int) (pipeline.VideoSink, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := &Sink{FPS: fps, Width: width, Height: height}
	v.sinks[path] = s
	return s, nil
}

// Frames returns n blank frames of the given size.
func Frames(n, rows, cols int) []frame.Frame {
	out := make([]frame.Frame, n)
	for i := range out {
		out[i] = frame.New(rows, cols)
	}
	return out
}
