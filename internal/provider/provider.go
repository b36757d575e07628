// Package provider adapts heterogeneous generation backends to a single
// submit/poll contract. Each adapter owns its wire format; callers only see
// job handles and poll results.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Job status as reported by a poll.
type Status string

const (
	StatusPending   Status = "pending"   // accepted, not started
	StatusRunning   Status = "running"   // generation in progress
	StatusSucceeded Status = "succeeded" // asset ready
	StatusFailed    Status = "failed"    // provider gave up
)

// Request is a single generation submission.
type Request struct {
	TaskID        string
	Prompt        string
	ReferenceURLs []string // character reference images (image providers)
	FirstFrameURL string   // generated first frame (video providers)
}

// JobHandle identifies an accepted job for later polling.
type JobHandle struct {
	Provider string
	JobID    string
}

// PollResult is one observation of a job's state. AssetURL is set only when
// Status is StatusSucceeded; Reason only when StatusFailed.
type PollResult struct {
	Status   Status
	AssetURL string
	Reason   string
}

// Provider is one generation backend.
type Provider interface {
	Name() string
	Kind() string // "image" or "video"
	Submit(ctx context.Context, req Request) (JobHandle, error)
	Poll(ctx context.Context, handle JobHandle) (PollResult, error)
}

// SubmitError describes a rejected or failed submission. Transient errors
// (network faults, throttling, server errors) may be retried immediately;
// permanent rejections must not be.
type SubmitError struct {
	Provider   string
	StatusCode int
	Message    string
	Transient  bool
}

func (e *SubmitError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s submit failed (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s submit failed: %s", e.Provider, e.Message)
}

// IsRetryable reports whether retrying the submission could succeed.
func (e *SubmitError) IsRetryable() bool {
	return e.Transient
}

// submitError classifies an HTTP response code. Throttling and server-side
// errors are transient; anything else the provider rejected on its merits.
func submitError(provider string, statusCode int, message string) *SubmitError {
	transient := statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= 500
	return &SubmitError{Provider: provider, StatusCode: statusCode, Message: message, Transient: transient}
}

// networkError wraps a transport-level failure, always retryable.
func networkError(provider string, err error) *SubmitError {
	return &SubmitError{Provider: provider, Message: err.Error(), Transient: true}
}

// httpTimeout bounds every individual provider HTTP call. Generation itself
// is asynchronous; only the request/response round trip is subject to this.
const httpTimeout = 60 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

// Registry holds the configured providers keyed by name and kind.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	byKind    map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		byKind:    make(map[string]Provider),
	}
}

// Register adds a provider. The most recently registered provider for a kind
// becomes that kind's active backend.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	r.byKind[p.Kind()] = p
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// ForKind returns the active provider for a task kind.
func (r *Registry) ForKind(kind string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byKind[kind]
	return p, ok
}

// retryBackoff is the base delay between transient submit retries.
var retryBackoff = time.Second

// SubmitWithRetry submits a request, retrying transient failures up to
// retries additional times with a short linear backoff. Permanent rejections
// and context cancellation return immediately.
func SubmitWithRetry(ctx context.Context, p Provider, req Request, retries int, logger *slog.Logger) (JobHandle, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return JobHandle{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}

		handle, err := p.Submit(ctx, req)
		if err == nil {
			return handle, nil
		}
		lastErr = err

		submitErr, ok := err.(*SubmitError)
		if !ok || !submitErr.IsRetryable() {
			return JobHandle{}, err
		}
		if logger != nil {
			logger.Warn("transient submit failure, retrying",
				"provider", p.Name(), "task_id", req.TaskID,
				"attempt", attempt+1, "error", err)
		}
	}
	return JobHandle{}, lastErr
}
