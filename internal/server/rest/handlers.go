package rest

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/vigilfs/vigil/internal/monitor"
	"github.com/vigilfs/vigil/watch"
)

// writeError writes an HTTP error response with a JSON body containing an
// "error" field. It is a thin wrapper around writeJSONError for use in
// handler functions.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	mgr WatchManager
	log ChangeLog
}

// NewServer creates a new Server. log may be nil when the change journal is
// disabled; GET /api/v1/events then responds with 503.
func NewServer(mgr WatchManager, log ChangeLog) *Server {
	return &Server{mgr: mgr, log: log}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with the
// daemon's health snapshot so load balancers and orchestrators can verify
// liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.mgr.Health())
}

// watchRequest is the JSON body accepted by POST /api/v1/watches.
type watchRequest struct {
	// Path is the absolute path to watch. Required.
	Path string `json:"path"`
	// Kinds lists canonical change kind names. Empty subscribes to all.
	Kinds []string `json:"kinds"`
}

// watchResponse echoes a registered watch back to the caller.
type watchResponse struct {
	Path  string   `json:"path"`
	Kinds []string `json:"kinds"`
}

// handleGetWatches responds to GET /api/v1/watches.
//
// Returns HTTP 200 with a JSON array of the currently watched paths, sorted
// alphabetically.
func (s *Server) handleGetWatches(w http.ResponseWriter, r *http.Request) {
	paths := s.mgr.WatchedPaths()
	if paths == nil {
		paths = []string{}
	}
	sort.Strings(paths)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(paths)
}

// handlePostWatch responds to POST /api/v1/watches.
//
// The request body is a JSON object with a required absolute "path" and an
// optional "kinds" array of canonical change kind names. An empty kinds
// array subscribes to every kind.
//
// Returns HTTP 400 when the body is malformed, the path is not absolute, or
// a kind name is unknown. Returns HTTP 422 when the path could not be
// registered (typically because it does not exist). Returns HTTP 201 with
// the registered watch on success.
func (s *Server) handlePostWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON watch object")
		return
	}

	if req.Path == "" || !filepath.IsAbs(req.Path) {
		writeError(w, http.StatusBadRequest, "'path' must be an absolute path")
		return
	}

	mask := watch.All
	if len(req.Kinds) > 0 {
		mask = 0
		for _, name := range req.Kinds {
			kind, ok := watch.ParseKind(name)
			if !ok {
				writeError(w, http.StatusBadRequest, "unknown change kind "+strconv.Quote(name))
				return
			}
			mask |= kind
		}
	}

	s.mgr.Watch(req.Path, mask)

	// Registration failures are logged by the engine rather than returned;
	// confirm the path actually landed in the watched set.
	registered := false
	for _, p := range s.mgr.WatchedPaths() {
		if p == req.Path {
			registered = true
			break
		}
	}
	if !registered {
		writeError(w, http.StatusUnprocessableEntity, "path could not be registered")
		return
	}

	resp := watchResponse{Path: req.Path, Kinds: mask.Names()}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleDeleteWatch responds to DELETE /api/v1/watches.
//
// Supported query parameters:
//
//	path – the watched path to drop (required)
//
// Returns HTTP 400 when path is missing. Returns HTTP 204 on success;
// dropping a path that is not watched is a no-op and still returns 204.
func (s *Server) handleDeleteWatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'path' is required")
		return
	}

	s.mgr.Unwatch(path)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	path  – exact watched path filter (optional)
//	limit – maximum number of results (default 100, max 1000)
//
// Results come from the local change journal, newest first. Returns HTTP 503
// when the journal is disabled, HTTP 400 on a malformed limit, and HTTP 200
// with a JSON array of change records on success.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		writeError(w, http.StatusServiceUnavailable, "change journal is disabled")
		return
	}

	q := r.URL.Query()

	limit := 100
	if limitStr := q.Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	recs, err := s.log.Recent(r.Context(), q.Get("path"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query change journal")
		return
	}

	// Ensure we always return a JSON array, not null.
	if recs == nil {
		recs = []monitor.ChangeRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(recs)
}
