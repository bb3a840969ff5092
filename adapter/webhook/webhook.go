// Package webhook publishes worker lifecycle events as HTTP POSTs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pithecene-io/buntime/adapter"
	"github.com/pithecene-io/buntime/iox"
	"github.com/pithecene-io/buntime/log"
)

const (
	maxAttempts    = 3
	initialBackoff = 200 * time.Millisecond
	requestTimeout = 5 * time.Second
)

// Publisher POSTs lifecycle events to a webhook endpoint.
type Publisher struct {
	url    string
	client *http.Client
	logger *log.Logger
}

var _ adapter.Publisher = (*Publisher)(nil)

// New creates a webhook publisher for the given endpoint.
func New(url string, logger *log.Logger) *Publisher {
	return &Publisher{
		url:    url,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

// Publish POSTs one event as JSON. Network errors and 5xx responses are
// retried with backoff; a 4xx means the endpoint rejected the payload and
// fails immediately.
func (p *Publisher) Publish(ctx context.Context, event *adapter.WorkerEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = p.post(ctx, data)
		if lastErr == nil {
			return nil
		}
		if perm, ok := lastErr.(*permanentError); ok {
			return perm.err
		}
		if attempt == maxAttempts {
			break
		}
		p.logger.Warn("webhook publish retry", map[string]any{
			"attempt": attempt,
			"error":   lastErr.Error(),
		})
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("post to %s: %w", p.url, lastErr)
}

func (p *Publisher) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		return &permanentError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer iox.DrainClose(res.Body)

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode >= 400 && res.StatusCode < 500:
		return &permanentError{err: fmt.Errorf("webhook rejected event: status %d", res.StatusCode)}
	default:
		return fmt.Errorf("webhook returned status %d", res.StatusCode)
	}
}

// Close implements adapter.Publisher; the http client holds no resources
// worth releasing.
func (p *Publisher) Close() error {
	return nil
}

// permanentError marks failures that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}
