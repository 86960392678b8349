package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// DeliveryError reports a failed delivery to one target.
type DeliveryError struct {
	URL        string
	StatusCode int // Zero when no response was received
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver to %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("deliver to %s: %v", e.URL, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Deliverer sends an encoded payload to one target URL.
type Deliverer interface {
	Deliver(ctx context.Context, url string, body []byte) error
}

// HTTPDeliverer POSTs JSON payloads.
type HTTPDeliverer struct {
	client *http.Client
}

// NewHTTPDeliverer returns a deliverer whose requests time out after timeout.
func NewHTTPDeliverer(timeout time.Duration) *HTTPDeliverer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPDeliverer{client: &http.Client{Timeout: timeout}}
}

// Deliver POSTs body to url. Any non-2xx response is a *DeliveryError.
func (d *HTTPDeliverer) Deliver(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return &DeliveryError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
