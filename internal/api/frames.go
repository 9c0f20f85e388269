package api

import (
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"

	"github.com/banshee-data/lane.assist/internal/frame"
	"github.com/banshee-data/lane.assist/internal/httputil"
	"github.com/banshee-data/lane.assist/internal/lane"
	"github.com/banshee-data/lane.assist/internal/pipeline"
)

// ErrUploadTooLarge is returned for frames over the server's upload limit.
var ErrUploadTooLarge = errors.New("upload too large")

// readErr classifies a failed body read.
func readErr(what string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: limit is %d bytes", ErrUploadTooLarge, tooLarge.Limit)
	}
	return fmt.Errorf("%w: %s: %v", pipeline.ErrInputDecode, what, err)
}

// readFrame decodes the uploaded image: either the raw request body or the
// "file" part of a multipart form.
func (s *Server) readFrame(w http.ResponseWriter, r *http.Request) (frame.Frame, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	var data []byte
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, _, err := r.FormFile("file")
		if err != nil {
			return frame.Frame{}, readErr("missing multipart file", err)
		}
		defer file.Close()
		if data, err = io.ReadAll(file); err != nil {
			return frame.Frame{}, readErr("multipart file", err)
		}
	} else {
		var err error
		if data, err = io.ReadAll(r.Body); err != nil {
			return frame.Frame{}, readErr("body", err)
		}
	}
	if len(data) == 0 {
		return frame.Frame{}, fmt.Errorf("%w: empty image", pipeline.ErrInputDecode)
	}
	return s.img.Decode(data)
}

func (s *Server) writePNG(w http.ResponseWriter, r *http.Request, f frame.Frame) {
	data, err := s.img.EncodePNG(f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleOverlay runs the lane pipeline on one frame. Smoothing state is
// scoped to the caller's X-Session-ID; a new id is minted when absent.
func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.lanes == nil {
		s.writeError(w, r, errors.New("lane pipeline not configured"))
		return
	}
	sessionID := r.Header.Get(HeaderSessionID)
	if len(sessionID) > MaxSessionIDLen {
		httputil.BadRequest(w, fmt.Sprintf("%s longer than %d bytes", HeaderSessionID, MaxSessionIDLen))
		return
	}
	f, err := s.readFrame(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	smoother := pipeline.SmootherFunc(func(raw lane.Positions) lane.Positions {
		id, smoothed := s.sessions.Update(sessionID, raw)
		sessionID = id
		return smoothed
	})
	res, overlay, err := s.lanes.Process(r.Context(), f, smoother)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set(HeaderDepartureCount, strconv.Itoa(res.Departures))
	w.Header().Set(HeaderLanePosition, string(res.Position))
	w.Header().Set(HeaderSessionID, sessionID)
	s.writePNG(w, r, overlay)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.depth == nil {
		s.writeError(w, r, errors.New("depth pipeline not configured"))
		return
	}
	f, err := s.readFrame(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, vis, err := s.depth.Render(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if d.Reading != nil {
		w.Header().Set(HeaderDepthReading, strconv.FormatFloat(*d.Reading, 'f', 3, 64))
	}
	s.writePNG(w, r, vis)
}

type depthRawResponse struct {
	Rows  int          `json:"rows"`
	Cols  int          `json:"cols"`
	Depth [][]*float64 `json:"depth"`
}

// handleDepthRaw returns the metric depth matrix. Non-finite values are
// encoded as null.
func (s *Server) handleDepthRaw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.depth == nil {
		s.writeError(w, r, errors.New("depth pipeline not configured"))
		return
	}
	f, err := s.readFrame(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.depth.Measure(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := depthRawResponse{Rows: m.Rows, Cols: m.Cols, Depth: make([][]*float64, m.Rows)}
	for i, row := range m.RowsSlice() {
		out := make([]*float64, len(row))
		for j := range row {
			if !math.IsNaN(row[j]) && !math.IsInf(row[j], 0) {
				out[j] = &row[j]
			}
		}
		resp.Depth[i] = out
	}
	httputil.WriteJSONOK(w, resp)
}
