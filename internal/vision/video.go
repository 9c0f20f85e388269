package vision

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/banshee-data/lane.assist/internal/frame"
	"github.com/banshee-data/lane.assist/internal/pipeline"
)

// Videos implements pipeline.VideoIO with OpenCV's container backends.
type Videos struct {
	// Codec is the FourCC used for created sinks, for example "mp4v".
	Codec string
}

var _ pipeline.VideoIO = Videos{}

// OpenSource opens a video file for sequential reading.
func (v Videos) OpenSource(path string) (pipeline.VideoSource, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("cannot open video %s", path)
	}
	return &source{vc: vc, mat: gocv.NewMat()}, nil
}

// CreateSink creates a video writer at path.
func (v Videos) CreateSink(path string, fps float64, width, height int) (pipeline.VideoSink, error) {
	codec := v.Codec
	if codec == "" {
		codec = "mp4v"
	}
	vw, err := gocv.VideoWriterFile(path, codec, fps, width, height, true)
	if err != nil {
		return nil, err
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("cannot create video %s with codec %s", path, codec)
	}
	return &sink{vw: vw}, nil
}

type source struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

func (s *source) Next() (frame.Frame, bool, error) {
	if ok := s.vc.Read(&s.mat); !ok || s.mat.Empty() {
		return frame.Frame{}, false, nil
	}
	f, err := fromMat(s.mat)
	if err != nil {
		return frame.Frame{}, false, fmt.Errorf("%w: %v", pipeline.ErrInputDecode, err)
	}
	return f, true, nil
}

func (s *source) FrameCount() int {
	return int(s.vc.Get(gocv.VideoCaptureFrameCount))
}

func (s *source) FPS() float64 {
	return s.vc.Get(gocv.VideoCaptureFPS)
}

func (s *source) Close() error {
	s.mat.Close()
	return s.vc.Close()
}

type sink struct {
	vw *gocv.VideoWriter
}

func (s *sink) Write(f frame.Frame) error {
	m, err := toMat(f)
	if err != nil {
		return err
	}
	defer m.Close()
	return s.vw.Write(m)
}

func (s *sink) Close() error {
	return s.vw.Close()
}
