package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lane.assist/internal/config"
	"github.com/banshee-data/lane.assist/internal/depth"
	"github.com/banshee-data/lane.assist/internal/frame"
	"github.com/banshee-data/lane.assist/internal/inference"
	"github.com/banshee-data/lane.assist/internal/lane"
	"github.com/banshee-data/lane.assist/internal/monitoring"
	"github.com/banshee-data/lane.assist/internal/pipeline"
	"github.com/banshee-data/lane.assist/internal/pipeline/pipelinetest"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// twoLeftOneRight puts two lanes left of the midline and one safely right.
var twoLeftOneRight = [lane.NumLanes]int{10, 30, 160, -1}

func newLanePipeline(t *testing.T, model inference.Model) (*pipeline.LanePipeline, *pipelinetest.Imaging) {
	t.Helper()
	cfg := pipeline.LaneConfigFrom(config.EmptyPipelineConfig())
	img := pipelinetest.NewImaging()
	return pipeline.NewLanePipeline(cfg, model, img), img
}

func TestLanePipelineProcess(t *testing.T) {
	p, img := newLanePipeline(t, pipelinetest.LaneModel(18, 200, twoLeftOneRight))

	res, overlay, err := p.Process(context.Background(), frame.New(480, 640), lane.NewStabilizer(5))
	require.NoError(t, err)

	w, h := p.OutputSize()
	assert.Equal(t, w, overlay.Cols)
	assert.Equal(t, h, overlay.Rows)

	assert.Equal(t, lane.FitQuadratic, res.Curves[0].Kind)
	assert.Equal(t, lane.Departure, res.Curves[0].Class)
	assert.Equal(t, lane.Departure, res.Curves[1].Class)
	assert.Equal(t, lane.Safe, res.Curves[2].Class)
	assert.Equal(t, lane.FitNone, res.Curves[3].Kind)
	assert.Equal(t, 2, res.Departures)
	assert.Equal(t, 2, res.DepartureLanes)

	assert.Equal(t, 1, img.Calls("Warp"))
	assert.Equal(t, 1, img.Calls("Resize"))
	assert.Equal(t, 1, img.Calls("DrawLanes"))
}

func TestLanePipelineModelUnavailable(t *testing.T) {
	p, _ := newLanePipeline(t, inference.NewSlot("lane"))

	_, _, err := p.Process(context.Background(), frame.New(480, 640), lane.NewStabilizer(5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrModelUnavailable))
}

func TestLanePipelineUsesSmoother(t *testing.T) {
	p, _ := newLanePipeline(t, pipelinetest.LaneModel(18, 200, twoLeftOneRight))

	calls := 0
	blank := pipeline.SmootherFunc(func(raw lane.Positions) lane.Positions {
		calls++
		return lane.Positions{}
	})
	res, _, err := p.Process(context.Background(), frame.New(480, 640), blank)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	for _, c := range res.Curves {
		assert.Equal(t, lane.FitNone, c.Kind)
	}
	assert.Equal(t, 0, res.Departures)
}

func TestDepthPipelineRender(t *testing.T) {
	cfg := pipeline.DepthConfigFrom(config.EmptyPipelineConfig())
	p := pipeline.NewDepthPipeline(cfg, pipelinetest.DepthModel(256, 256, 0), pipelinetest.NewImaging())

	d, vis, err := p.Render(context.Background(), frame.New(480, 640))
	require.NoError(t, err)
	require.NotNil(t, d.Reading)
	assert.Equal(t, cfg.Scale/depth.Epsilon, *d.Reading)
	assert.Equal(t, 256, vis.Rows)
	assert.Equal(t, 256, vis.Cols)
	for _, v := range d.Visual {
		require.Equal(t, uint8(0), v, "flat frame normalises to zero")
	}
}

func TestDepthPipelineMeasure(t *testing.T) {
	cfg := pipeline.DepthConfigFrom(config.EmptyPipelineConfig())
	p := pipeline.NewDepthPipeline(cfg, pipelinetest.DepthModel(4, 8, 1), pipelinetest.NewImaging())

	m, err := p.Measure(context.Background(), frame.New(10, 10))
	require.NoError(t, err)
	assert.Equal(t, 4, m.Rows)
	assert.Equal(t, 8, m.Cols)
	assert.InDelta(t, cfg.Scale/(1+depth.Epsilon), m.At(3, 7), 1e-9)
}

func TestDepthPipelineModelUnavailable(t *testing.T) {
	cfg := pipeline.DepthConfigFrom(config.EmptyPipelineConfig())
	p := pipeline.NewDepthPipeline(cfg, inference.NewSlot("depth"), pipelinetest.NewImaging())
	_, _, err := p.Render(context.Background(), frame.New(10, 10))
	assert.ErrorIs(t, err, inference.ErrModelUnavailable)
}
