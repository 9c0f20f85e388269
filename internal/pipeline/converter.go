package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/lane.assist/internal/lane"
	"github.com/banshee-data/lane.assist/internal/monitoring"
)

// minDepartingLanes is the number of simultaneously departing lanes that
// records a departure event in batch mode.
const minDepartingLanes = 2

// defaultFPS is used when a container does not report a frame rate.
const defaultFPS = 30.0

// Summary describes a finished conversion.
type Summary struct {
	Frames int     `json:"frames"`
	FPS    float64 `json:"fps"`
	// Duration is the output video length in seconds.
	Duration float64 `json:"duration"`
	// Departures are event timestamps in seconds, in frame order.
	Departures []float64 `json:"departures"`
}

// ProgressFunc receives the fraction of frames processed so far.
type ProgressFunc func(progress float64)

// Converter runs the lane pipeline over every frame of a video.
type Converter struct {
	lanes  *LanePipeline
	videos VideoIO
	window int
}

// NewConverter creates a converter whose per-job stabilizer holds window
// frames.
func NewConverter(lanes *LanePipeline, videos VideoIO, window int) *Converter {
	return &Converter{lanes: lanes, videos: videos, window: window}
}

// Convert reads src, writes the overlay video to dst and reports progress
// after every frame. Frames are processed strictly in order. Cancelling ctx
// stops the conversion before the next frame.
func (c *Converter) Convert(ctx context.Context, src, dst string, progress ProgressFunc) (sum Summary, err error) {
	source, err := c.videos.OpenSource(src)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to open source %s: %w", src, err)
	}
	defer source.Close()

	fps := source.FPS()
	if fps <= 0 {
		monitoring.Logf("[pipeline] %s reports no frame rate, assuming %.0f fps", src, defaultFPS)
		fps = defaultFPS
	}
	total := source.FrameCount()

	w, h := c.lanes.OutputSize()
	sink, err := c.videos.CreateSink(dst, fps, w, h)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to create output %s: %w", dst, err)
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to finalise output %s: %w", dst, cerr)
		}
	}()

	stab := lane.NewStabilizer(c.window)
	sum = Summary{FPS: fps, Departures: []float64{}}

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("conversion stopped after %d frames: %w", idx, err)
		}

		f, ok, err := source.Next()
		if err != nil {
			return sum, fmt.Errorf("failed to read frame %d: %w", idx, err)
		}
		if !ok {
			break
		}

		res, overlay, err := c.lanes.Process(ctx, f, stab)
		if err != nil {
			return sum, fmt.Errorf("frame %d: %w", idx, err)
		}
		if err := sink.Write(overlay); err != nil {
			return sum, fmt.Errorf("failed to write frame %d: %w", idx, err)
		}

		if res.DepartureLanes >= minDepartingLanes {
			sum.Departures = append(sum.Departures, float64(idx)/fps)
		}
		sum.Frames++

		if progress != nil && total > 0 {
			p := float64(idx+1) / float64(total)
			if p > 1 {
				p = 1
			}
			progress(p)
		}
	}

	if sum.Frames == 0 {
		return sum, errors.New("source contains no frames")
	}
	sum.Duration = float64(sum.Frames) / fps
	return sum, nil
}
