// Package api exposes the lane and depth pipelines and the conversion job
// manager over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/lane.assist/internal/httputil"
	"github.com/banshee-data/lane.assist/internal/inference"
	"github.com/banshee-data/lane.assist/internal/jobs"
	"github.com/banshee-data/lane.assist/internal/lane"
	"github.com/banshee-data/lane.assist/internal/monitoring"
	"github.com/banshee-data/lane.assist/internal/pipeline"
	"github.com/banshee-data/lane.assist/internal/security"
	"github.com/banshee-data/lane.assist/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// DefaultMaxUploadBytes bounds single-frame uploads.
const DefaultMaxUploadBytes = 32 << 20

// MaxSessionIDLen bounds caller-supplied X-Session-ID values.
const MaxSessionIDLen = 128

const (
	defaultSessionWindow = 5
	defaultSessionTTL    = 10 * time.Minute
)

// Response headers of the single-frame endpoints.
const (
	HeaderDepartureCount = "X-Departure-Count"
	HeaderLanePosition   = "X-Lane-Position"
	HeaderSessionID      = "X-Session-ID"
	HeaderDepthReading   = "X-Depth-Reading"
)

// Ledger is the persistent job history consulted once a job is no longer
// held in memory.
type Ledger interface {
	Job(ctx context.Context, key string) (jobs.Status, error)
	ListJobs(ctx context.Context, limit int) ([]jobs.Status, error)
	JobDepartures(ctx context.Context, key string) ([]float64, error)
}

// Options wires a Server.
type Options struct {
	Lanes    *pipeline.LanePipeline
	Depth    *pipeline.DepthPipeline
	Imaging  pipeline.Imaging
	Sessions *lane.Sessions
	Jobs     *jobs.Manager
	// Ledger is optional.
	Ledger Ledger
	// UploadsDir holds stored source videos named by convert requests.
	UploadsDir     string
	MaxUploadBytes int64
}

type Server struct {
	lanes      *pipeline.LanePipeline
	depth      *pipeline.DepthPipeline
	img        pipeline.Imaging
	sessions   *lane.Sessions
	jobs       *jobs.Manager
	ledger     Ledger
	uploadsDir string
	maxUpload  int64
}

func NewServer(opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Sessions == nil {
		opts.Sessions = lane.NewSessions(defaultSessionWindow, defaultSessionTTL, nil)
	}
	return &Server{
		lanes:      opts.Lanes,
		depth:      opts.Depth,
		img:        opts.Imaging,
		sessions:   opts.Sessions,
		jobs:       opts.Jobs,
		ledger:     opts.Ledger,
		uploadsDir: opts.UploadsDir,
		maxUpload:  opts.MaxUploadBytes,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/convert", s.handleConvert)
	mux.HandleFunc("/api/convert/", s.handleCancel)
	mux.HandleFunc("/api/progress/", s.handleProgress)
	mux.HandleFunc("/api/status/", s.handleStatus)
	mux.HandleFunc("/api/jobs", s.handleListJobs)
	mux.HandleFunc("/api/jobs/", s.handleJob)
	mux.HandleFunc("/api/overlay", s.handleOverlay)
	mux.HandleFunc("/api/depth", s.handleDepth)
	mux.HandleFunc("/api/depth/raw", s.handleDepthRaw)
	mux.HandleFunc("/api/version", s.handleVersion)
	return mux
}

// writeError maps pipeline and job errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInputDecode):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, jobs.ErrInvalidKey), errors.Is(err, security.ErrPathTraversal):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, ErrUploadTooLarge):
		httputil.RequestEntityTooLarge(w, err.Error())
	case errors.Is(err, inference.ErrModelUnavailable):
		httputil.ServiceUnavailable(w, err.Error())
	case errors.Is(err, jobs.ErrJobExists), errors.Is(err, jobs.ErrJobFinished):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, jobs.ErrUnknownJob):
		httputil.NotFound(w, err.Error())
	default:
		monitoring.Logf("[api] %s %s failed: %v", r.Method, r.URL.Path, err)
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}
