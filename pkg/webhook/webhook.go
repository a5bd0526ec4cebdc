// Package webhook delivers a canonical event envelope to a subscription's
// configured HTTP target exactly once (§4.6 step 3). There is no retry
// policy here by design (§7 "Delivery error... No automatic retries");
// the caller records whatever status or transport error comes back.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// Target is a subscription's delivery configuration.
type Target struct {
	URL     string
	Method  string // defaults to POST
	Headers map[string]string
}

// Result captures the outcome of a single delivery attempt. StatusCode is
// nil when the request never reached the target (transport error, DNS
// failure, timeout) — the §4.6 "transport error is reported as a null
// status" rule.
type Result struct {
	StatusCode *int
	Error      error
}

// Deliverer sends canonical event envelopes to webhook targets.
type Deliverer struct {
	client *http.Client
}

// NewDeliverer builds a Deliverer with the given timeout (defaults to 10s
// if zero).
func NewDeliverer(timeout time.Duration) *Deliverer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Deliverer{client: &http.Client{Timeout: timeout}}
}

// Deliver attempts one HTTP request to target.URL with body as the
// payload, returning the response status or a transport error.
func (d *Deliverer) Deliver(ctx context.Context, target Target, body []byte) Result {
	method := target.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Errorf("webhook: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{Error: fmt.Errorf("webhook: delivery to %s: %w", target.URL, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	status := resp.StatusCode
	return Result{StatusCode: &status}
}
