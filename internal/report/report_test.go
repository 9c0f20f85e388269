package report

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lane.assist/internal/pipeline"
)

func TestRenderTimeline(t *testing.T) {
	tl := NewTimeline()
	data, err := tl.RenderTimeline("drive_lanes.mp4", pipeline.Summary{
		Frames: 100, FPS: 10, Duration: 10, Departures: []float64{1.2, 1.3, 7.5},
	})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), img.Bounds().Dy())
}

func TestRenderTimelineWithoutDepartures(t *testing.T) {
	data, err := NewTimeline().RenderTimeline("quiet.mp4", pipeline.Summary{Duration: 3})
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(data))
	assert.NoError(t, err)
}

func TestBucketDepartures(t *testing.T) {
	tests := []struct {
		name     string
		events   []float64
		duration float64
		want     []int
	}{
		{"empty", nil, 2.5, []int{0, 0, 0}},
		{"zero duration", nil, 0, []int{0}},
		{"spread", []float64{0, 0.9, 1.0, 2.4}, 3, []int{2, 1, 1}},
		{"clamped to last bucket", []float64{5}, 2, []int{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BucketDepartures(tt.events, tt.duration))
		})
	}
}

func TestTimelineHTML(t *testing.T) {
	html, err := TimelineHTML("drive_lanes.mp4", []float64{0.5, 1.5}, 2)
	require.NoError(t, err)
	s := string(html)
	assert.Contains(t, s, "<html")
	assert.Contains(t, s, "Lane departures")
	assert.Contains(t, s, "drive_lanes.mp4")
}
