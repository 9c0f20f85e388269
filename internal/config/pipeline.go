package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/lane.assist/internal/geom"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
const DefaultConfigPath = "config/pipeline.defaults.json"

// PipelineConfig represents the root configuration for the lane and depth
// pipelines and the conversion job runner. Every field is optional; the Get*
// methods supply the production defaults for anything omitted.
type PipelineConfig struct {
	// Rectification
	SourceCorners *[4][2]float64 `json:"source_corners,omitempty"`
	RectWidth     *int           `json:"rect_width,omitempty"`
	RectHeight    *int           `json:"rect_height,omitempty"`
	CropOffset    *int           `json:"crop_offset,omitempty"`

	// Lane model
	LaneInputWidth  *int        `json:"lane_input_width,omitempty"`
	LaneInputHeight *int        `json:"lane_input_height,omitempty"`
	LaneInputName   *string     `json:"lane_input_name,omitempty"`
	GridingNum      *int        `json:"griding_num,omitempty"`
	RowAnchors      []int       `json:"row_anchors,omitempty"`
	LaneMean        *[3]float64 `json:"lane_mean,omitempty"`
	LaneStd         *[3]float64 `json:"lane_std,omitempty"`

	// Depth model
	DepthInputWidth  *int        `json:"depth_input_width,omitempty"`
	DepthInputHeight *int        `json:"depth_input_height,omitempty"`
	DepthInputName   *string     `json:"depth_input_name,omitempty"`
	DepthMean        *[3]float64 `json:"depth_mean,omitempty"`
	DepthStd         *[3]float64 `json:"depth_std,omitempty"`
	DepthScale       *float64    `json:"depth_scale,omitempty"`

	// Stabiliser windows
	BatchHistory *int    `json:"batch_history,omitempty"`
	LiveHistory  *int    `json:"live_history,omitempty"`
	SessionTTL   *string `json:"session_ttl,omitempty"` // duration string like "10m"

	// Classification
	SafeXRatio *float64 `json:"safe_x_ratio,omitempty"`
	SafeYRatio *float64 `json:"safe_y_ratio,omitempty"`

	// Jobs
	MaxConcurrentJobs *int    `json:"max_concurrent_jobs,omitempty"`
	OutputCodec       *string `json:"output_codec,omitempty"`
}

// CULaneRowAnchors are the 18 row anchors of the 288-pixel-high lane model.
var CULaneRowAnchors = []int{121, 131, 141, 150, 160, 170, 180, 189, 199, 209, 219, 228, 238, 248, 258, 267, 277, 287}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyPipelineConfig returns a PipelineConfig with every field unset.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file.
// Fields omitted from the file keep their defaults, so partial configs are safe.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that any set values are usable.
func (c *PipelineConfig) Validate() error {
	if c.SourceCorners != nil {
		for i, corner := range c.SourceCorners {
			if corner[0] < 0 || corner[0] > 1 || corner[1] < 0 || corner[1] > 1 {
				return fmt.Errorf("source_corners[%d] must be ratios in [0,1], got %v", i, corner)
			}
		}
	}
	if c.RectHeight != nil && c.CropOffset != nil && *c.CropOffset >= *c.RectHeight {
		return fmt.Errorf("crop_offset %d must be smaller than rect_height %d", *c.CropOffset, *c.RectHeight)
	}
	if c.GridingNum != nil && *c.GridingNum < 2 {
		return fmt.Errorf("griding_num must be at least 2, got %d", *c.GridingNum)
	}
	if c.BatchHistory != nil && *c.BatchHistory < 1 {
		return fmt.Errorf("batch_history must be positive, got %d", *c.BatchHistory)
	}
	if c.LiveHistory != nil && *c.LiveHistory < 1 {
		return fmt.Errorf("live_history must be positive, got %d", *c.LiveHistory)
	}
	if c.SessionTTL != nil && *c.SessionTTL != "" {
		if _, err := time.ParseDuration(*c.SessionTTL); err != nil {
			return fmt.Errorf("invalid session_ttl '%s': %w", *c.SessionTTL, err)
		}
	}
	if c.DepthScale != nil && *c.DepthScale <= 0 {
		return fmt.Errorf("depth_scale must be positive, got %f", *c.DepthScale)
	}
	for _, std := range []*[3]float64{c.LaneStd, c.DepthStd} {
		if std == nil {
			continue
		}
		for _, s := range std {
			if s == 0 {
				return fmt.Errorf("normalisation std must be non-zero, got %v", *std)
			}
		}
	}
	if c.MaxConcurrentJobs != nil && *c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be positive, got %d", *c.MaxConcurrentJobs)
	}
	return nil
}

// GetRectify returns the rectification settings.
func (c *PipelineConfig) GetRectify() geom.RectifyConfig {
	r := geom.RectifyConfig{
		Corners:      [4][2]float64{{0.40, 0.60}, {0.60, 0.60}, {0.95, 0.95}, {0.05, 0.95}},
		OutputWidth:  1280,
		OutputHeight: 720,
	}
	if c.SourceCorners != nil {
		r.Corners = *c.SourceCorners
	}
	if c.RectWidth != nil {
		r.OutputWidth = *c.RectWidth
	}
	if c.RectHeight != nil {
		r.OutputHeight = *c.RectHeight
	}
	if c.CropOffset != nil {
		r.CropOffset = *c.CropOffset
	}
	return r
}

// GetLaneInputSize returns the lane model input width and height.
func (c *PipelineConfig) GetLaneInputSize() (int, int) {
	w, h := 800, 288
	if c.LaneInputWidth != nil {
		w = *c.LaneInputWidth
	}
	if c.LaneInputHeight != nil {
		h = *c.LaneInputHeight
	}
	return w, h
}

// GetLaneInputName returns the lane model input tag.
func (c *PipelineConfig) GetLaneInputName() string {
	if c.LaneInputName == nil {
		return "input"
	}
	return *c.LaneInputName
}

// GetGridingNum returns the number of lane column bins (background excluded).
func (c *PipelineConfig) GetGridingNum() int {
	if c.GridingNum == nil {
		return 200
	}
	return *c.GridingNum
}

// GetRowAnchors returns the lane model row anchors, top to bottom.
func (c *PipelineConfig) GetRowAnchors() []int {
	src := CULaneRowAnchors
	if len(c.RowAnchors) > 0 {
		src = c.RowAnchors
	}
	out := make([]int, len(src))
	copy(out, src)
	return out
}

// GetLaneNormalization returns the per-channel RGB mean and std.
func (c *PipelineConfig) GetLaneNormalization() (mean, std [3]float64) {
	mean = [3]float64{0.485, 0.456, 0.406}
	std = [3]float64{0.229, 0.224, 0.225}
	if c.LaneMean != nil {
		mean = *c.LaneMean
	}
	if c.LaneStd != nil {
		std = *c.LaneStd
	}
	return mean, std
}

// GetDepthInputSize returns the depth model input width and height.
func (c *PipelineConfig) GetDepthInputSize() (int, int) {
	w, h := 256, 256
	if c.DepthInputWidth != nil {
		w = *c.DepthInputWidth
	}
	if c.DepthInputHeight != nil {
		h = *c.DepthInputHeight
	}
	return w, h
}

// GetDepthInputName returns the depth model input tag.
func (c *PipelineConfig) GetDepthInputName() string {
	if c.DepthInputName == nil {
		return "input"
	}
	return *c.DepthInputName
}

// GetDepthNormalization returns the per-channel RGB mean and std.
func (c *PipelineConfig) GetDepthNormalization() (mean, std [3]float64) {
	mean = [3]float64{0.5, 0.5, 0.5}
	std = [3]float64{0.5, 0.5, 0.5}
	if c.DepthMean != nil {
		mean = *c.DepthMean
	}
	if c.DepthStd != nil {
		std = *c.DepthStd
	}
	return mean, std
}

// GetDepthScale returns the disparity-to-metres calibration scale.
func (c *PipelineConfig) GetDepthScale() float64 {
	if c.DepthScale == nil {
		return 1000.0
	}
	return *c.DepthScale
}

// GetBatchHistory returns the stabiliser window for conversion jobs.
func (c *PipelineConfig) GetBatchHistory() int {
	if c.BatchHistory == nil {
		return 11
	}
	return *c.BatchHistory
}

// GetLiveHistory returns the stabiliser window for live sessions.
func (c *PipelineConfig) GetLiveHistory() int {
	if c.LiveHistory == nil {
		return 5
	}
	return *c.LiveHistory
}

// GetSessionTTL returns how long an idle live session keeps its history.
func (c *PipelineConfig) GetSessionTTL() time.Duration {
	if c.SessionTTL == nil || *c.SessionTTL == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(*c.SessionTTL)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetSafeXRatio returns the horizontal safe boundary as a fraction of width.
func (c *PipelineConfig) GetSafeXRatio() float64 {
	if c.SafeXRatio == nil {
		return 0.48
	}
	return *c.SafeXRatio
}

// GetSafeYRatio returns the vertical safe boundary as a fraction of height.
func (c *PipelineConfig) GetSafeYRatio() float64 {
	if c.SafeYRatio == nil {
		return 0.40
	}
	return *c.SafeYRatio
}

// GetMaxConcurrentJobs returns the conversion worker pool size.
func (c *PipelineConfig) GetMaxConcurrentJobs() int {
	if c.MaxConcurrentJobs == nil {
		return 2
	}
	return *c.MaxConcurrentJobs
}

// GetOutputCodec returns the FourCC used for converted videos.
func (c *PipelineConfig) GetOutputCodec() string {
	if c.OutputCodec == nil || *c.OutputCodec == "" {
		return "mp4v"
	}
	return *c.OutputCodec
}
