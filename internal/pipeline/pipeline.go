// Package pipeline composes rectification, inference, stabilisation and
// rendering into the per-frame lane and depth pipelines, and drives the lane
// pipeline across whole videos.
//
// Pixel work is delegated to an Imaging implementation and video IO to a
// VideoIO so that the package itself carries no cgo dependency.
package pipeline

import (
	"errors"
	"image"

	"github.com/banshee-data/lane.assist/internal/frame"
	"github.com/banshee-data/lane.assist/internal/geom"
	"github.com/banshee-data/lane.assist/internal/lane"
)

// ErrInputDecode is returned when an uploaded image or video frame cannot be
// decoded. The HTTP layer maps it to 400.
var ErrInputDecode = errors.New("input decode failed")

// Imaging performs the pixel operations the pipelines need.
type Imaging interface {
	// Decode parses an encoded image into a BGR frame. Failures wrap
	// ErrInputDecode.
	Decode(data []byte) (frame.Frame, error)
	// EncodePNG encodes a frame as PNG.
	EncodePNG(f frame.Frame) ([]byte, error)
	// Warp applies a projective transform producing a width x height frame.
	Warp(f frame.Frame, h geom.Homography, width, height int) (frame.Frame, error)
	// Resize scales a frame to width x height.
	Resize(f frame.Frame, width, height int) (frame.Frame, error)
	// DrawLanes renders fitted curves over a copy of f.
	DrawLanes(f frame.Frame, curves []lane.Curve) (frame.Frame, error)
	// Colorize maps an 8-bit single-channel image to a colour frame and
	// outlines rect.
	Colorize(visual []uint8, rows, cols int, rect image.Rectangle) (frame.Frame, error)
}

// VideoSource yields decoded frames in capture order.
type VideoSource interface {
	// Next returns the next frame, or ok=false at end of stream.
	Next() (f frame.Frame, ok bool, err error)
	// FrameCount is the container's reported frame count, 0 if unknown.
	FrameCount() int
	FPS() float64
	Close() error
}

// VideoSink encodes frames into an output artefact.
type VideoSink interface {
	Write(f frame.Frame) error
	Close() error
}

// VideoIO opens sources and creates sinks.
type VideoIO interface {
	OpenSource(path string) (VideoSource, error)
	CreateSink(path string, fps float64, width, height int) (VideoSink, error)
}
