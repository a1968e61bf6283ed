package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"moonlight/db"
)

type JobReader interface {
	GetJob(id string) (*db.Job, error)
	ListJobs(limit int) ([]db.Job, error)
}

var (
	jobReader   JobReader
	eventStream http.HandlerFunc
)

func SetJobReader(r JobReader) {
	handlerMu.Lock()
	jobReader = r
	handlerMu.Unlock()
}

// SetEventStream sets the handler behind the job websocket.
func SetEventStream(h http.HandlerFunc) {
	handlerMu.Lock()
	eventStream = h
	handlerMu.Unlock()
}

func currentJobReader() JobReader {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	return jobReader
}

// RegisterJobHandlers exposes the job history and event stream. With a
// non-empty adminToken the routes require it as a bearer token.
func RegisterJobHandlers(mux *http.ServeMux, adminToken string) {
	protect := func(h http.HandlerFunc) http.Handler {
		if adminToken == "" {
			return h
		}
		return AuthMiddleware(StaticToken(adminToken))(h)
	}

	mux.Handle("GET /api/jobs", protect(handleListJobs))
	mux.Handle("GET /api/jobs/{id}", protect(handleGetJob))
	mux.Handle("GET /api/ws/jobs", protect(handleJobStream))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func handleListJobs(w http.ResponseWriter, r *http.Request) {
	store := currentJobReader()
	if store == nil {
		http.Error(w, `{"error":"job history is not enabled"}`, http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		limit = min(l, 500)
	}

	jobs, err := store.ListJobs(limit)
	if err != nil {
		currentLogger().Error("list jobs failed", zap.Error(err))
		http.Error(w, `{"error":"failed to list jobs"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(jobs),
		"data":  jobs,
	})
}

func handleGetJob(w http.ResponseWriter, r *http.Request) {
	store := currentJobReader()
	if store == nil {
		http.Error(w, `{"error":"job history is not enabled"}`, http.StatusServiceUnavailable)
		return
	}

	job, err := store.GetJob(r.PathValue("id"))
	if errors.Is(err, db.ErrJobNotFound) {
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		currentLogger().Error("get job failed", zap.String("job_id", r.PathValue("id")), zap.Error(err))
		http.Error(w, `{"error":"failed to load job"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func handleJobStream(w http.ResponseWriter, r *http.Request) {
	handlerMu.RLock()
	stream := eventStream
	handlerMu.RUnlock()
	if stream == nil {
		http.Error(w, `{"error":"event stream is not enabled"}`, http.StatusServiceUnavailable)
		return
	}
	stream(w, r)
}
