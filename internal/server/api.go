package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/dictum/internal/history"
	"github.com/MrWong99/dictum/internal/observe"
	"github.com/MrWong99/dictum/internal/pipeline"
)

// maxHistoryLimit caps ?limit= on the history endpoints.
const maxHistoryLimit = 500

// controlResponse is returned by the recording control endpoints.
type controlResponse struct {
	Accepted bool            `json:"accepted"`
	Status   pipeline.Status `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type historyResponse struct {
	Entries []history.Entry `json:"entries"`
}

type searchResponse struct {
	Query string        `json:"query"`
	Hits  []history.Hit `json:"hits"`
}

// handleStart handles POST /v1/recording/start.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var opts []pipeline.StartOption
	if v := r.URL.Query().Get("polish"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "polish must be a boolean"})
			return
		}
		opts = append(opts, pipeline.WithPolish(on))
	}
	s.control(w, r, func(ctx context.Context) (bool, error) {
		return s.ctl.StartRecording(ctx, opts...)
	})
}

// handleStop handles POST /v1/recording/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.ctl.StopAndTranscribe)
}

// handleCancel handles POST /v1/recording/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.ctl.CancelRecording)
}

// control runs one control call. Rejected transitions answer 409 with the
// current status so clients can see why.
func (s *Server) control(w http.ResponseWriter, r *http.Request, call func(context.Context) (bool, error)) {
	accepted, err := call(r.Context())
	if err != nil {
		observe.Logger(r.Context(), s.log).Warn("control call failed", "path", r.URL.Path, "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	status := http.StatusOK
	if !accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, controlResponse{Accepted: accepted, Status: s.ctl.Status()})
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

// handleHistory handles GET /v1/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.hist.List(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context(), s.log).Error("list history failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Entries: entries})
}

// handleSearch handles GET /v1/history/search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "q is required"})
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	hits, err := s.hist.Search(r.Context(), q, limit)
	if err != nil {
		observe.Logger(r.Context(), s.log).Error("search history failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}
	if hits == nil {
		hits = []history.Hit{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: q, Hits: hits})
}

// parseLimit reads ?limit=. Zero means the store default.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
		return 0, false
	}
	return min(n, maxHistoryLimit), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
