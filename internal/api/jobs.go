package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/lane.assist/internal/httputil"
	"github.com/banshee-data/lane.assist/internal/jobs"
	"github.com/banshee-data/lane.assist/internal/report"
	"github.com/banshee-data/lane.assist/internal/security"
)

const maxConvertBody = 64 << 10

type convertRequest struct {
	Source string `json:"source"`
	Key    string `json:"key,omitempty"`
}

type convertResponse struct {
	Key      string     `json:"key"`
	Status   jobs.State `json:"status"`
	Progress float64    `json:"progress"`
}

// handleConvert starts a background conversion of a stored video.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req convertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConvertBody)).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		httputil.BadRequest(w, "source is required")
		return
	}

	src, err := security.ResolveUpload(s.uploadsDir, req.Source)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			httputil.NotFound(w, fmt.Sprintf("source %s not found", req.Source))
		case errors.Is(err, security.ErrNotRegularFile):
			httputil.BadRequest(w, err.Error())
		default:
			s.writeError(w, r, err)
		}
		return
	}

	st, err := s.jobs.Start(r.Context(), src, req.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, convertResponse{Key: st.Key, Status: st.State, Progress: st.Progress})
}

// handleCancel handles DELETE /api/convert/{key}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/convert/")
	if key == "" {
		httputil.BadRequest(w, "key is required")
		return
	}
	if r.Method != http.MethodDelete {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.jobs.Cancel(key); err != nil {
		s.writeError(w, r, fmt.Errorf("%s: %w", key, err))
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"key": key, "status": "cancelling"})
}

// lookup returns the live status of key, falling back to the ledger.
func (s *Server) lookup(ctx context.Context, key string) (jobs.Status, bool) {
	st := s.jobs.Status(key)
	if st.State != jobs.StateNotFound {
		return st, true
	}
	if s.ledger != nil {
		if rec, err := s.ledger.Job(ctx, key); err == nil {
			return rec, true
		}
	}
	return st, false
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/progress/")
	progress := 0.0
	if st, ok := s.lookup(r.Context(), key); ok {
		progress = st.Progress
	}
	httputil.WriteJSONOK(w, map[string]float64{"progress": progress})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/status/")
	st, ok := s.lookup(r.Context(), key)
	if !ok {
		httputil.WriteJSON(w, http.StatusNotFound, map[string]jobs.State{"status": jobs.StateNotFound})
		return
	}
	httputil.WriteJSONOK(w, st)
}

// handleListJobs lists in-memory jobs first, then ledger history not already
// listed.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}

	out := s.jobs.List()
	if s.ledger != nil {
		seen := make(map[string]bool, len(out))
		for _, st := range out {
			seen[st.Key] = true
		}
		hist, err := s.ledger.ListJobs(r.Context(), limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, st := range hist {
			if !seen[st.Key] {
				out = append(out, st)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	httputil.WriteJSONOK(w, out)
}

// handleJob serves /api/jobs/{key}/departures and /api/jobs/{key}/timeline.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		httputil.NotFound(w, "unknown job resource")
		return
	}
	key := parts[0]
	switch parts[1] {
	case "departures":
		deps, err := s.departures(r.Context(), key)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteJSONOK(w, deps)
	case "timeline":
		s.serveTimeline(w, r, key)
	default:
		httputil.NotFound(w, "unknown job resource")
	}
}

// departures reads the job's artefact, then the ledger.
func (s *Server) departures(ctx context.Context, key string) ([]float64, error) {
	deps, err := s.jobs.Departures(key)
	if err == nil {
		return deps, nil
	}
	if errors.Is(err, jobs.ErrInvalidKey) {
		return nil, err
	}
	if s.ledger != nil {
		return s.ledger.JobDepartures(ctx, key)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, jobs.ErrUnknownJob)
	}
	return nil, err
}

func (s *Server) serveTimeline(w http.ResponseWriter, r *http.Request, key string) {
	st, ok := s.lookup(r.Context(), key)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("%s: %v", key, jobs.ErrUnknownJob))
		return
	}
	if st.State != jobs.StateDone || st.Duration == nil {
		httputil.Conflict(w, fmt.Sprintf("job %s has not completed", key))
		return
	}
	deps, err := s.departures(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := report.TimelineHTML(key, deps, *st.Duration)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}
