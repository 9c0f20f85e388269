// Package report renders departure timelines for finished conversion jobs:
// a static PNG written next to the output video, and an interactive HTML
// chart served by the API.
package report

import (
	"bytes"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/lane.assist/internal/pipeline"
)

var departureColor = color.RGBA{R: 220, G: 40, B: 40, A: 255}

// Timeline renders departure events against video time as a PNG.
// It implements jobs.TimelineRenderer.
type Timeline struct {
	Width  vg.Length
	Height vg.Length
}

// NewTimeline returns a renderer with a wide strip layout.
func NewTimeline() *Timeline {
	return &Timeline{Width: 10 * vg.Inch, Height: 3 * vg.Inch}
}

// RenderTimeline plots one mark per departure event and a baseline for the
// full video duration.
func (t *Timeline) RenderTimeline(key string, sum pipeline.Summary) ([]byte, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Lane departures: %s", key)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Departure"
	p.X.Min = 0
	p.X.Max = sum.Duration
	p.Y.Min = 0
	p.Y.Max = 1.5
	p.Add(plotter.NewGrid())

	baseline, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: sum.Duration, Y: 0}})
	if err != nil {
		return nil, fmt.Errorf("failed to create baseline: %w", err)
	}
	baseline.Width = vg.Points(1)
	p.Add(baseline)

	if len(sum.Departures) > 0 {
		pts := make(plotter.XYs, len(sum.Departures))
		for i, ts := range sum.Departures {
			pts[i] = plotter.XY{X: ts, Y: 1}
		}
		marks, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to create departure marks: %w", err)
		}
		marks.GlyphStyle.Color = departureColor
		marks.GlyphStyle.Radius = vg.Points(3)
		p.Add(marks)
		p.Legend.Add(fmt.Sprintf("%d events", len(sum.Departures)), marks)
	}

	wt, err := p.WriterTo(t.Width, t.Height, "png")
	if err != nil {
		return nil, fmt.Errorf("failed to render timeline: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode timeline: %w", err)
	}
	return buf.Bytes(), nil
}
