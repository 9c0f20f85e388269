package main

import (
	"github.com/banshee-data/lane.assist/internal/config"
	"github.com/banshee-data/lane.assist/internal/inference"
	"github.com/banshee-data/lane.assist/internal/inference/gocvnet"
	"github.com/banshee-data/lane.assist/internal/jobs"
	"github.com/banshee-data/lane.assist/internal/pipeline"
	"github.com/banshee-data/lane.assist/internal/report"
)

// modelFlags locate the ONNX models.
type modelFlags struct {
	LanePath  string
	DepthPath string
	Backend   string
}

// app holds the pipelines built from one config. Models are installed into
// slots so the pipelines exist before the models finish loading.
type app struct {
	cfg       *config.PipelineConfig
	laneSlot  *inference.Slot
	depthSlot *inference.Slot
	lanes     *pipeline.LanePipeline
	depth     *pipeline.DepthPipeline
	img       pipeline.Imaging
	videos    pipeline.VideoIO
}

func newApp(cfg *config.PipelineConfig, img pipeline.Imaging, videos pipeline.VideoIO) *app {
	a := &app{
		cfg:       cfg,
		laneSlot:  inference.NewSlot("lane"),
		depthSlot: inference.NewSlot("depth"),
		img:       img,
		videos:    videos,
	}
	a.lanes = pipeline.NewLanePipeline(pipeline.LaneConfigFrom(cfg), a.laneSlot, img)
	a.depth = pipeline.NewDepthPipeline(pipeline.DepthConfigFrom(cfg), a.depthSlot, img)
	return a
}

// loadModels starts loading every configured model. The returned channels
// close when each attempt finishes; a model without a path is skipped.
func (a *app) loadModels(m modelFlags) (lane, depth <-chan struct{}) {
	backend := gocvnet.Backend(m.Backend)
	lane, depth = closed(), closed()
	if m.LanePath != "" {
		lane = a.laneSlot.LoadAsync(gocvnet.Loader(m.LanePath, backend))
	}
	if m.DepthPath != "" {
		depth = a.depthSlot.LoadAsync(gocvnet.Loader(m.DepthPath, backend))
	}
	return lane, depth
}

func closed() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// newManager wires the converter, artefact renderer and optional ledger.
func (a *app) newManager(outputDir string, recorder jobs.Recorder) *jobs.Manager {
	conv := pipeline.NewConverter(a.lanes, a.videos, a.cfg.GetBatchHistory())
	opts := jobs.Options{
		OutputDir:     outputDir,
		MaxConcurrent: a.cfg.GetMaxConcurrentJobs(),
		Timeline:      report.NewTimeline(),
		Recorder:      recorder,
	}
	return jobs.NewManager(conv, opts)
}
