package classify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"moonlight/dataset"
	"moonlight/db"
	"moonlight/monitoring"
	"moonlight/notify"
	"moonlight/quantum"
)

const trainCSV = `,f1,f2,labels
0,0.1,0.2,A
1,0.3,0.4,B
2,0.5,0.6,A
`

const testCSV = `,f1,f2,labels
0,0.15,0.25,A
1,0.35,0.45,B
`

const predictCSV = "0.11,0.21\n0.31,0.41\n0.51,0.61\n"

type fakeProvider struct {
	authErr    error
	catalog    []quantum.Backend
	catalogErr error
	runErr     error
	labels     []quantum.Label
	gotBackend string
	gotJob     quantum.QSVMJob
	runCalled  bool
}

func (f *fakeProvider) Authenticate(ctx context.Context, token string) (*quantum.Session, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &quantum.Session{AccessToken: "access-" + token}, nil
}

func (f *fakeProvider) Backends(ctx context.Context, s *quantum.Session) ([]quantum.Backend, error) {
	return f.catalog, f.catalogErr
}

func (f *fakeProvider) RunQSVM(ctx context.Context, s *quantum.Session, backend string, job quantum.QSVMJob) (*quantum.Result, error) {
	f.runCalled = true
	f.gotBackend = backend
	f.gotJob = job
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &quantum.Result{
		TestingAccuracy:  0.5,
		TestSuccessRatio: 0.75,
		PredictedLabels:  f.labels,
		PredictedClasses: []string{"A", "B"},
	}, nil
}

type fakeNotifier struct {
	calls []notify.Summary
	ok    bool
}

func (f *fakeNotifier) Notify(to string, summary notify.Summary) bool {
	f.calls = append(f.calls, summary)
	return f.ok
}

type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]db.Job
}

func (m *memoryStore) SaveJob(job db.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs == nil {
		m.jobs = make(map[string]db.Job)
	}
	m.jobs[job.ID] = job
	return nil
}

type recordingPublisher struct {
	types []monitoring.EventType
}

func (r *recordingPublisher) Publish(t monitoring.EventType, jobID string, data interface{}) {
	r.types = append(r.types, t)
}

func writeInputs(t *testing.T) Request {
	t.Helper()
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}
	return Request{
		TrainPath:      write("train.csv", trainCSV),
		TestPath:       write("test.csv", testCSV),
		PredictionPath: write("predict.csv", predictCSV),
		Features:       []string{"f1", "f2"},
		Token:          "token",
		Email:          "user@example.com",
	}
}

var testCatalog = []quantum.Backend{
	{Name: "ibmq_armonk", NumQubits: 1, Operational: true, PendingJobs: 0},
	{Name: "ibmq_lima", NumQubits: 5, Operational: true, PendingJobs: 9},
	{Name: "ibmq_quito", NumQubits: 5, Operational: true, PendingJobs: 2},
	{Name: "ibmq_qasm_simulator", NumQubits: 32, Simulator: true, Operational: true},
}

func newTestService(p Provider, n Notifier) (*Service, *memoryStore, *recordingPublisher) {
	svc := NewService(Config{
		Timeout: time.Minute,
		Job:     quantum.JobOptions{Reps: 2, Shots: 1024, Seed: 8192},
	}, p, n, zap.NewNop())
	store := &memoryStore{}
	pub := &recordingPublisher{}
	svc.SetJobStore(store)
	svc.SetPublisher(pub)
	return svc, store, pub
}

func TestClassifyCompleted(t *testing.T) {
	provider := &fakeProvider{catalog: testCatalog, labels: []quantum.Label{"A", "B", "A"}}
	notifier := &fakeNotifier{ok: true}
	svc, store, pub := newTestService(provider, notifier)
	req := writeInputs(t)

	out, err := svc.Classify(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, -1, out.LegacyCode())
	assert.Equal(t, "ibmq_quito", out.Backend)
	assert.Equal(t, "ibmq_quito", provider.gotBackend)
	assert.False(t, out.NoBackend)
	assert.True(t, out.Notified)

	require.NotNil(t, out.Result)
	assert.NotEmpty(t, out.Result.TotalTime)
	assert.LessOrEqual(t, len(out.Result.TotalTime), 6)

	assert.Equal(t, 2, provider.gotJob.FeatureMap.FeatureDimension)
	assert.Len(t, provider.gotJob.Datapoints, 3)
	assert.Len(t, provider.gotJob.TrainingInput["A"], 2)

	data, err := os.ReadFile(out.OutputPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 4, "header plus one row per prediction")
	assert.Equal(t, "feature1,feature2,label", lines[0])
	assert.Equal(t, "0.11,0.21,A", lines[1])
	assert.Equal(t, filepath.Join(filepath.Dir(req.PredictionPath), dataset.ClassifiedFileName), out.OutputPath)

	require.Len(t, notifier.calls, 1)
	assert.False(t, notifier.calls[0].ServerError)
	assert.Equal(t, out.OutputPath, notifier.calls[0].ClassifiedCSV)
	assert.Equal(t, 0.5, notifier.calls[0].Accuracy)

	job := store.jobs[out.JobID]
	assert.Equal(t, "completed", job.Status)
	assert.True(t, job.Notified)
	assert.Equal(t, 0.75, job.SuccessRatio)
	assert.Equal(t, []monitoring.EventType{monitoring.JobStarted, monitoring.BackendSelected, monitoring.JobFinished}, pub.types)
}

func TestClassifyInvalidTokenSendsNoEmail(t *testing.T) {
	provider := &fakeProvider{authErr: quantum.ErrInvalidToken}
	notifier := &fakeNotifier{ok: true}
	svc, store, _ := newTestService(provider, notifier)

	out, err := svc.Classify(context.Background(), writeInputs(t))
	require.NoError(t, err)
	assert.Equal(t, StatusInvalidToken, out.Status)
	assert.Equal(t, 0, out.LegacyCode())
	assert.Empty(t, notifier.calls)
	assert.False(t, provider.runCalled)
	assert.Equal(t, "invalid_token", store.jobs[out.JobID].Status)
}

func TestClassifyServerErrorEmailsWithoutAttachment(t *testing.T) {
	provider := &fakeProvider{catalog: testCatalog, runErr: quantum.ErrJobFailed}
	notifier := &fakeNotifier{ok: true}
	svc, _, _ := newTestService(provider, notifier)

	out, err := svc.Classify(context.Background(), writeInputs(t))
	require.NoError(t, err)
	assert.Equal(t, StatusServerError, out.Status)
	assert.Equal(t, 1, out.LegacyCode())
	assert.Nil(t, out.Result)
	require.Len(t, notifier.calls, 1)
	assert.True(t, notifier.calls[0].ServerError)
	assert.Empty(t, notifier.calls[0].ClassifiedCSV)
}

func TestClassifyFallsBackToSimulator(t *testing.T) {
	cases := []struct {
		name     string
		provider *fakeProvider
		backend  string
	}{
		{
			name:     "unknown backend",
			provider: &fakeProvider{catalog: testCatalog},
			backend:  "ibmq_nowhere",
		},
		{
			name:     "catalog unavailable",
			provider: &fakeProvider{catalogErr: errors.New("boom")},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.provider.labels = []quantum.Label{"A", "B", "B"}
			svc, _, _ := newTestService(tc.provider, &fakeNotifier{ok: true})
			req := writeInputs(t)
			req.Backend = tc.backend

			out, err := svc.Classify(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, out.Status)
			assert.True(t, out.NoBackend)
			assert.True(t, out.Result.NoBackend)
			assert.Equal(t, "ibmq_qasm_simulator", tc.provider.gotBackend)
		})
	}
}

func TestClassifyNamedBackendWithTooFewQubits(t *testing.T) {
	provider := &fakeProvider{catalog: testCatalog, labels: []quantum.Label{"A", "A", "A"}}
	svc, _, _ := newTestService(provider, &fakeNotifier{ok: true})
	req := writeInputs(t)
	req.Backend = "ibmq_armonk"

	out, err := svc.Classify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ibmq_quito", out.Backend)
	assert.False(t, out.NoBackend)
}

func TestClassifyLocalFailures(t *testing.T) {
	t.Run("missing label column", func(t *testing.T) {
		provider := &fakeProvider{catalog: testCatalog}
		notifier := &fakeNotifier{ok: true}
		svc, store, _ := newTestService(provider, notifier)
		req := writeInputs(t)
		require.NoError(t, os.WriteFile(req.TrainPath, []byte(",f1,f2,class\n0,0.1,0.2,A\n"), 0o644))

		out, err := svc.Classify(context.Background(), req)
		require.Error(t, err)
		assert.ErrorIs(t, err, dataset.ErrMissingLabel)
		assert.Equal(t, StatusFailed, out.Status)
		assert.Empty(t, notifier.calls)
		assert.False(t, provider.runCalled)
		assert.Equal(t, "failed", store.jobs[out.JobID].Status)
	})

	t.Run("blank and text feature cells", func(t *testing.T) {
		provider := &fakeProvider{catalog: testCatalog}
		notifier := &fakeNotifier{ok: true}
		svc, store, _ := newTestService(provider, notifier)
		req := writeInputs(t)
		require.NoError(t, os.WriteFile(req.TrainPath, []byte(",f1,f2,labels\n0,,0.2,A\n1,0.3,abc,B\n"), 0o644))

		out, err := svc.Classify(context.Background(), req)
		assert.ErrorIs(t, err, dataset.ErrNonNumeric)
		assert.Equal(t, StatusFailed, out.Status)
		assert.Empty(t, notifier.calls)
		assert.False(t, provider.runCalled)
		assert.False(t, out.Notified)
		assert.Equal(t, "failed", store.jobs[out.JobID].Status)
	})

	t.Run("too few labels", func(t *testing.T) {
		provider := &fakeProvider{catalog: testCatalog, labels: []quantum.Label{"A"}}
		notifier := &fakeNotifier{ok: true}
		svc, _, _ := newTestService(provider, notifier)

		out, err := svc.Classify(context.Background(), writeInputs(t))
		assert.ErrorIs(t, err, dataset.ErrLabelCountMismatch)
		assert.Equal(t, StatusFailed, out.Status)
		assert.Empty(t, notifier.calls)
	})
}

func TestClassifyUsesPreprocessedPrediction(t *testing.T) {
	provider := &fakeProvider{catalog: testCatalog, labels: []quantum.Label{"A", "B", "A"}}
	svc, _, _ := newTestService(provider, &fakeNotifier{ok: true})
	req := writeInputs(t)
	fe := filepath.Join(filepath.Dir(req.PredictionPath), dataset.PreprocessedPredictionName)
	require.NoError(t, os.WriteFile(fe, []byte("9,9\n8,8\n7,7\n"), 0o644))

	out, err := svc.Classify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{9, 9}, {8, 8}, {7, 7}}, provider.gotJob.Datapoints)

	data, err := os.ReadFile(out.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "0.11,0.21,A", "output rows come from the user's file")
}

func TestNotificationFailureIsReported(t *testing.T) {
	provider := &fakeProvider{catalog: testCatalog, labels: []quantum.Label{"A", "B", "A"}}
	svc, _, _ := newTestService(provider, &fakeNotifier{ok: false})

	out, err := svc.Classify(context.Background(), writeInputs(t))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.False(t, out.Notified)
}

func TestElapsedSeconds(t *testing.T) {
	assert.Equal(t, "12.345", elapsedSeconds(12345678901*time.Nanosecond))
	assert.Equal(t, "2", elapsedSeconds(2*time.Second))
	assert.Equal(t, "0.5", elapsedSeconds(500*time.Millisecond))
}
