package forwarder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xtxerr/relay/config"
	"github.com/xtxerr/relay/internal/payload"
)

// HTTPDestination posts delivery streams to a downstream receipt
// endpoint. Attributes travel as request headers, the packaged bytes as
// the body.
type HTTPDestination struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPDestination creates a destination for the given endpoint url.
// A non-positive timeout falls back to the default.
func NewHTTPDestination(url string, timeout time.Duration) *HTTPDestination {
	if timeout <= 0 {
		timeout = config.DefaultForwardTimeout
	}
	return &HTTPDestination{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// URL identifies the destination.
func (d *HTTPDestination) URL() string {
	return d.url
}

// Deliver streams one packaged unit as a POST body. Any non-2xx status
// is a delivery failure.
func (d *HTTPDestination) Deliver(ctx context.Context, feed, typ string, attrs *payload.AttributeMap, stream func(io.Writer) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(stream(pw))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, pr)
	if err != nil {
		pr.Close()
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/zip")
	if attrs != nil {
		attrs.Each(func(key, value string) {
			req.Header.Set(key, value)
		})
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", d.url, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post to %s: status %s", d.url, resp.Status)
	}
	return nil
}
