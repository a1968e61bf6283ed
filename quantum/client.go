package quantum

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	StatusQueued     = "QUEUED"
	StatusValidating = "VALIDATING"
	StatusRunning    = "RUNNING"
	StatusCompleted  = "COMPLETED"
	StatusError      = "ERROR"
	StatusCancelled  = "CANCELLED"
)

// ClientConfig configures a Client. Zero values get defaults.
type ClientConfig struct {
	AuthURL      string
	APIURL       string
	Hub          string
	Timeout      time.Duration
	PollInterval time.Duration
	MaxRetries   uint
	CacheSize    int
	CacheTTL     time.Duration
}

// Client is the provider's REST API.
type Client struct {
	authURL      string
	apiURL       string
	hub          string
	client       *http.Client
	pollInterval time.Duration
	maxRetries   uint
	retryDelay   time.Duration
	catalog      *expirable.LRU[string, []Backend]
	logger       *zap.Logger
}

// NewClient builds a client from cfg, filling in defaults for unset fields.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Hub == "" {
		cfg.Hub = "ibm-q"
	}
	return &Client{
		authURL:      strings.TrimRight(cfg.AuthURL, "/"),
		apiURL:       strings.TrimRight(cfg.APIURL, "/"),
		hub:          cfg.Hub,
		client:       &http.Client{Timeout: cfg.Timeout},
		pollInterval: cfg.PollInterval,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   500 * time.Millisecond,
		catalog:      expirable.NewLRU[string, []Backend](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:       logger.With(zap.String("component", "quantum_client")),
	}
}

type loginRequest struct {
	APIToken string `json:"apiToken"`
}

type loginResponse struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type jobResponse struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Error  string  `json:"error,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// Authenticate exchanges the user's API token for a session.
func (c *Client) Authenticate(ctx context.Context, token string) (*Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}

	var resp loginResponse
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, c.authURL+"/users/loginWithToken", "", loginRequest{APIToken: token}, &resp)
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidToken, apiErr.Message)
		}
		return nil, fmt.Errorf("login: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrInvalidToken)
	}

	sum := sha256.Sum256([]byte(token))
	return &Session{
		AccessToken: resp.ID,
		UserID:      resp.UserID,
		cacheKey:    hex.EncodeToString(sum[:]),
	}, nil
}

// Backends lists the devices the session can use. Results are cached per
// account for the configured TTL.
func (c *Client) Backends(ctx context.Context, s *Session) ([]Backend, error) {
	key := s.cacheKey
	if key == "" {
		key = s.AccessToken
	}
	if cached, ok := c.catalog.Get(key); ok {
		return cached, nil
	}

	var backends []Backend
	err := c.withRetry(ctx, func() error {
		backends = nil
		return c.do(ctx, http.MethodGet, c.hubURL("backends"), s.AccessToken, nil, &backends)
	})
	if err != nil {
		return nil, fmt.Errorf("list backends: %w", err)
	}
	c.catalog.Add(key, backends)
	return backends, nil
}

// RunQSVM submits job to backend and blocks until it finishes or ctx ends.
// Submission is not retried; status polls are.
func (c *Client) RunQSVM(ctx context.Context, s *Session, backend string, job QSVMJob) (*Result, error) {
	payload := struct {
		Backend string  `json:"backend"`
		Job     QSVMJob `json:"job"`
	}{Backend: backend, Job: job}

	var submitted submitResponse
	if err := c.do(ctx, http.MethodPost, c.hubURL("jobs"), s.AccessToken, payload, &submitted); err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	if submitted.ID == "" {
		return nil, errors.New("submit job: provider returned no job id")
	}
	logger := c.logger.With(zap.String("provider_job_id", submitted.ID), zap.String("backend", backend))
	logger.Info("job submitted", zap.String("status", submitted.Status))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	lastStatus := submitted.Status
	for {
		var status jobResponse
		err := c.withRetry(ctx, func() error {
			return c.do(ctx, http.MethodGet, c.hubURL("jobs/"+url.PathEscape(submitted.ID)), s.AccessToken, nil, &status)
		})
		if err != nil {
			return nil, fmt.Errorf("poll job %s: %w", submitted.ID, err)
		}
		if status.Status != lastStatus {
			logger.Debug("job status changed", zap.String("status", status.Status))
			lastStatus = status.Status
		}

		switch status.Status {
		case StatusCompleted:
			if status.Result == nil {
				return nil, fmt.Errorf("%w: job %s completed without a result", ErrJobFailed, submitted.ID)
			}
			return status.Result, nil
		case StatusError, StatusCancelled:
			return nil, fmt.Errorf("%w: job %s %s: %s", ErrJobFailed, submitted.ID, strings.ToLower(status.Status), status.Error)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for job %s: %w", submitted.ID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) hubURL(path string) string {
	return fmt.Sprintf("%s/network/%s/%s", c.apiURL, url.PathEscape(c.hub), path)
}

func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(c.maxRetries),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("provider request failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	var decodeErr *decodeError
	return !errors.As(err, &decodeErr)
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode provider response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, endpoint, accessToken string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("X-Access-Token", accessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope apiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}
