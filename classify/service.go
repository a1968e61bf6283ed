// Package classify runs a classification request end to end: provider login,
// backend selection, dataset loading, the remote QSVM job, the classified CSV
// and the result email.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"moonlight/dataset"
	"moonlight/db"
	"moonlight/monitoring"
	"moonlight/notify"
	"moonlight/quantum"
)

// Status is the final state of a classification request.
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusInvalidToken Status = "invalid_token"
	StatusServerError  Status = "server_error"
	StatusFailed       Status = "failed"
)

// Provider is the remote quantum service.
type Provider interface {
	Authenticate(ctx context.Context, token string) (*quantum.Session, error)
	Backends(ctx context.Context, s *quantum.Session) ([]quantum.Backend, error)
	RunQSVM(ctx context.Context, s *quantum.Session, backend string, job quantum.QSVMJob) (*quantum.Result, error)
}

// Notifier emails the result summary and reports whether it was sent.
type Notifier interface {
	Notify(to string, summary notify.Summary) bool
}

// JobStore persists job records.
type JobStore interface {
	SaveJob(job db.Job) error
}

type Publisher interface {
	Publish(eventType monitoring.EventType, jobID string, data interface{})
}

// Request is one classification as submitted by the user.
type Request struct {
	TrainPath      string   `json:"path_train"`
	TestPath       string   `json:"path_test"`
	PredictionPath string   `json:"path_to_predict"`
	Features       []string `json:"features"`
	Token          string   `json:"-"`
	Backend        string   `json:"backend,omitempty"`
	Email          string   `json:"email"`
}

// Outcome is what happened to a request.
type Outcome struct {
	JobID      string          `json:"job_id"`
	Status     Status          `json:"status"`
	Backend    string          `json:"backend,omitempty"`
	NoBackend  bool            `json:"no_backend"`
	Result     *quantum.Result `json:"result,omitempty"`
	OutputPath string          `json:"output_path,omitempty"`
	Notified   bool            `json:"notified"`
	Error      string          `json:"error,omitempty"`
}

// LegacyCode maps the outcome to the old numeric sentinels: 0 for a rejected
// token, 1 for a provider failure, -1 otherwise.
func (o *Outcome) LegacyCode() int {
	switch o.Status {
	case StatusInvalidToken:
		return 0
	case StatusServerError:
		return 1
	default:
		return -1
	}
}

// Config holds the per-deployment classification settings.
type Config struct {
	Simulator string
	Label     string
	Charset   string
	Timeout   time.Duration
	Job       quantum.JobOptions
}

// Service runs classification requests against the provider.
type Service struct {
	cfg       Config
	provider  Provider
	notifier  Notifier
	loader    *dataset.Loader
	store     JobStore
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewService returns a service with no job store and no publisher.
// Label defaults to "labels".
func NewService(cfg Config, provider Provider, notifier Notifier, logger *zap.Logger) *Service {
	if cfg.Label == "" {
		cfg.Label = "labels"
	}
	if cfg.Simulator == "" {
		cfg.Simulator = "ibmq_qasm_simulator"
	}
	return &Service{
		cfg:       cfg,
		provider:  provider,
		notifier:  notifier,
		loader:    dataset.NewLoader(cfg.Charset),
		store:     noopStore{},
		publisher: noopPublisher{},
		logger:    logger.With(zap.String("component", "classify")),
		now:       time.Now,
	}
}

// SetJobStore records every run in store.
func (s *Service) SetJobStore(store JobStore) {
	if store != nil {
		s.store = store
	}
}

// SetPublisher sends job events to p.
func (s *Service) SetPublisher(p Publisher) {
	if p != nil {
		s.publisher = p
	}
}

// Classify runs req to completion. The returned error is set only for local
// failures (status failed); provider outcomes are reported through the
// Outcome status.
func (s *Service) Classify(ctx context.Context, req Request) (*Outcome, error) {
	start := s.now()
	out := &Outcome{JobID: uuid.NewString(), Status: StatusRunning}
	logger := s.logger.With(zap.String("job_id", out.JobID))
	created := start.UTC()

	s.record(logger, out, req, created)
	s.publisher.Publish(monitoring.JobStarted, out.JobID, map[string]interface{}{
		"features": req.Features,
		"backend":  req.Backend,
	})

	err := s.run(ctx, logger, req, out, start)
	if err != nil {
		out.Error = err.Error()
		if out.Status == StatusRunning {
			out.Status = StatusFailed
		}
	}

	if out.Status == StatusCompleted || out.Status == StatusServerError {
		out.Notified = s.notifier.Notify(req.Email, s.summary(out))
	}

	s.record(logger, out, req, created)
	s.publisher.Publish(monitoring.JobFinished, out.JobID, map[string]interface{}{
		"status":   out.Status,
		"notified": out.Notified,
	})
	logger.Info("classification finished",
		zap.String("status", string(out.Status)),
		zap.String("backend", out.Backend),
		zap.Bool("no_backend", out.NoBackend),
		zap.Bool("notified", out.Notified),
		zap.Duration("elapsed", s.now().Sub(start)))

	if out.Status == StatusFailed {
		return out, err
	}
	return out, nil
}

func (s *Service) run(ctx context.Context, logger *zap.Logger, req Request, out *Outcome, start time.Time) error {
	session, err := s.provider.Authenticate(ctx, req.Token)
	if err != nil {
		if !errors.Is(err, quantum.ErrInvalidToken) {
			logger.Warn("provider login failed", zap.Error(err))
		}
		out.Status = StatusInvalidToken
		return err
	}

	qubits := len(req.Features)
	var selection quantum.Selection
	catalog, err := s.provider.Backends(ctx, session)
	if err != nil {
		logger.Warn("backend catalog unavailable, using simulator", zap.Error(err))
		selection = quantum.Fallback(nil, s.cfg.Simulator, "backend catalog unavailable")
	} else {
		selection = quantum.SelectBackend(catalog, req.Backend, qubits, s.cfg.Simulator)
	}
	out.Backend = selection.Backend.Name
	out.NoBackend = selection.NoBackend
	s.publisher.Publish(monitoring.BackendSelected, out.JobID, map[string]interface{}{
		"backend":    selection.Backend.Name,
		"no_backend": selection.NoBackend,
		"reason":     selection.Reason,
	})
	logger.Info("backend selected",
		zap.String("backend", selection.Backend.Name),
		zap.Int("qubits", qubits),
		zap.String("reason", selection.Reason))

	train, test, err := s.loader.LoadDataset(req.TrainPath, req.TestPath, req.Features, s.cfg.Label)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	predictionInput := dataset.ResolvePredictionInput(req.PredictionPath)
	datapoints, err := s.loader.LoadPrediction(predictionInput)
	if err != nil {
		return fmt.Errorf("load prediction: %w", err)
	}

	job := quantum.NewQSVMJob(qubits, train.Points, test.Points, datapoints, s.cfg.Job)
	runCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	result, err := s.provider.RunQSVM(runCtx, session, selection.Backend.Name, job)
	if err != nil {
		logger.Error("provider job failed", zap.String("backend", selection.Backend.Name), zap.Error(err))
		out.Status = StatusServerError
		return err
	}

	result.TotalTime = elapsedSeconds(s.now().Sub(start))
	outputPath, err := s.loader.WriteClassified(req.PredictionPath, result.Labels())
	if err != nil {
		return fmt.Errorf("write classified file: %w", err)
	}
	if selection.NoBackend {
		result.NoBackend = true
	}

	out.Result = result
	out.OutputPath = outputPath
	out.Status = StatusCompleted
	return nil
}

func (s *Service) summary(out *Outcome) notify.Summary {
	if out.Status == StatusServerError || out.Result == nil {
		return notify.Summary{ServerError: true}
	}
	return notify.Summary{
		Accuracy:      out.Result.TestingAccuracy,
		SuccessRatio:  out.Result.TestSuccessRatio,
		TotalTime:     out.Result.TotalTime,
		ClassifiedCSV: out.OutputPath,
	}
}

func (s *Service) record(logger *zap.Logger, out *Outcome, req Request, created time.Time) {
	job := db.Job{
		ID:         out.JobID,
		Email:      req.Email,
		Backend:    out.Backend,
		Status:     string(out.Status),
		NoBackend:  out.NoBackend,
		OutputPath: out.OutputPath,
		Notified:   out.Notified,
		Error:      out.Error,
		CreatedAt:  created,
	}
	if out.Result != nil {
		job.Accuracy = out.Result.TestingAccuracy
		job.SuccessRatio = out.Result.TestSuccessRatio
		job.TotalTime = out.Result.TotalTime
	}
	if err := s.store.SaveJob(job); err != nil {
		logger.Warn("failed to record job", zap.Error(err))
	}
}

// elapsedSeconds renders d in seconds, cut to six characters.
func elapsedSeconds(d time.Duration) string {
	s := strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	if len(s) > 6 {
		s = s[:6]
	}
	return s
}

type noopStore struct{}

func (noopStore) SaveJob(db.Job) error { return nil }

type noopPublisher struct{}

func (noopPublisher) Publish(monitoring.EventType, string, interface{}) {}
