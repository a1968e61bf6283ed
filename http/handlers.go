package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"moonlight/classify"
)

// ClassifyReply is the body /classify_control always answers with.
const ClassifyReply = "result"

const maxFormMemory = 32 << 20

type Classifier interface {
	Classify(ctx context.Context, req classify.Request) (*classify.Outcome, error)
}

var (
	handlerMu  sync.RWMutex
	classifier Classifier
	logger     = zap.NewNop()
)

func SetClassifier(c Classifier) {
	handlerMu.Lock()
	classifier = c
	handlerMu.Unlock()
}

func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	handlerMu.Lock()
	logger = l.With(zap.String("component", "http"))
	handlerMu.Unlock()
}

func currentLogger() *zap.Logger {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	return logger
}

func currentClassifier() Classifier {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	return classifier
}

func RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /classify_control", handleClassifyControl)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// parseClassifyForm reads the form fields of a classification request. Both
// urlencoded and multipart bodies are accepted.
func parseClassifyForm(r *http.Request) (classify.Request, error) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return classify.Request{}, err
	}

	var features []string
	for _, f := range r.Form["features"] {
		if f = strings.TrimSpace(f); f != "" {
			features = append(features, f)
		}
	}

	return classify.Request{
		TrainPath:      r.FormValue("pathTrain"),
		TestPath:       r.FormValue("pathTest"),
		PredictionPath: r.FormValue("userpathToPredict"),
		Features:       features,
		Token:          r.FormValue("token"),
		Backend:        strings.TrimSpace(r.FormValue("backend")),
		Email:          strings.TrimSpace(r.FormValue("email")),
	}, nil
}

// handleClassifyControl runs the classification synchronously. The reply is
// the same whatever the outcome; the user hears about it by email.
func handleClassifyControl(w http.ResponseWriter, r *http.Request) {
	log := currentLogger().With(zap.String("request_id", GetRequestID(r.Context())))
	defer func() {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(ClassifyReply))
	}()

	req, err := parseClassifyForm(r)
	if err != nil {
		log.Warn("invalid classification form", zap.Error(err))
		return
	}

	c := currentClassifier()
	if c == nil {
		log.Error("classification requested but no classifier is configured")
		return
	}

	// The job outlives a dropped client connection; its own timeout bounds it.
	out, err := c.Classify(context.WithoutCancel(r.Context()), req)
	if err != nil {
		log.Error("classification failed", zap.Error(err))
		return
	}
	log.Info("classification done",
		zap.String("job_id", out.JobID),
		zap.String("status", string(out.Status)),
		zap.Int("legacy_code", out.LegacyCode()))
}
