// Package quantum talks to the cloud quantum provider: account login, the
// backend catalog, and QSVM job submission.
package quantum

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidToken = errors.New("provider token not valid")
	ErrJobFailed    = errors.New("provider job failed")
)

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider api returned status %d", e.StatusCode)
}

// Session is an authenticated provider account.
type Session struct {
	AccessToken string
	UserID      string

	cacheKey string
}

// Backend is one entry of the provider catalog.
type Backend struct {
	Name        string `json:"backend_name"`
	NumQubits   int    `json:"n_qubits"`
	Simulator   bool   `json:"simulator"`
	Operational bool   `json:"operational"`
	PendingJobs int    `json:"pending_jobs"`
}

// FeatureMap describes the circuit that encodes each data point.
type FeatureMap struct {
	Name             string `json:"name"`
	FeatureDimension int    `json:"feature_dimension"`
	Reps             int    `json:"reps"`
	Entanglement     string `json:"entanglement"`
}

// QSVMJob is the program submitted to the provider. Everything numeric runs
// remotely; this is only its description.
type QSVMJob struct {
	Program             string                 `json:"program"`
	FeatureMap          FeatureMap             `json:"feature_map"`
	MulticlassExtension string                 `json:"multiclass_extension"`
	TrainingInput       map[string][][]float64 `json:"training_input"`
	TestInput           map[string][][]float64 `json:"test_input"`
	Datapoints          [][]float64            `json:"datapoints"`
	Shots               int                    `json:"shots"`
	SeedSimulator       int                    `json:"seed_simulator"`
	SeedTranspiler      int                    `json:"seed_transpiler"`
	RandomSeed          int                    `json:"random_seed"`
}

// JobOptions are the tunables copied into every QSVMJob.
type JobOptions struct {
	Reps  int
	Shots int
	Seed  int
}

// NewQSVMJob describes a QSVM run with a linear ZZ feature map of one qubit
// per feature and an all-pairs multiclass extension.
func NewQSVMJob(qubits int, train, test map[string][][]float64, datapoints [][]float64, opts JobOptions) QSVMJob {
	return QSVMJob{
		Program: "qsvm",
		FeatureMap: FeatureMap{
			Name:             "ZZFeatureMap",
			FeatureDimension: qubits,
			Reps:             opts.Reps,
			Entanglement:     "linear",
		},
		MulticlassExtension: "AllPairs",
		TrainingInput:       train,
		TestInput:           test,
		Datapoints:          datapoints,
		Shots:               opts.Shots,
		SeedSimulator:       opts.Seed,
		SeedTranspiler:      opts.Seed,
		RandomSeed:          opts.Seed,
	}
}

// Label is a predicted label as the provider sent it, number or string.
type Label string

func (l *Label) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Label(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("label must be a number or string: %w", err)
	}
	*l = Label(n.String())
	return nil
}

// Result is the provider's classification result. Keys the service does not
// interpret are kept in Extra and written back on marshal.
type Result struct {
	TestingAccuracy  float64  `json:"testing_accuracy"`
	TestSuccessRatio float64  `json:"test_success_ratio"`
	PredictedLabels  []Label  `json:"predicted_labels"`
	PredictedClasses []string `json:"predicted_classes,omitempty"`
	TotalTime        string   `json:"total_time,omitempty"`
	NoBackend        bool     `json:"no_backend,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type resultFields Result

var resultKeys = []string{
	"testing_accuracy", "test_success_ratio", "predicted_labels",
	"predicted_classes", "total_time", "no_backend",
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var fields resultFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, key := range resultKeys {
		delete(all, key)
	}
	*r = Result(fields)
	if len(all) > 0 {
		r.Extra = all
	}
	return nil
}

func (r Result) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(resultFields(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(r.Extra)+len(resultKeys))
	for k, v := range r.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Labels returns the predicted labels as strings.
func (r *Result) Labels() []string {
	out := make([]string, len(r.PredictedLabels))
	for i, l := range r.PredictedLabels {
		out[i] = string(l)
	}
	return out
}
