// Package bodyfetch retrieves a message's body from the body store over
// HTTP, streaming the response directly into the SMTP session without
// buffering to disk.
package bodyfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Fetcher fetches a message body by id from the configured body store.
type Fetcher struct {
	client *http.Client
	host   string
	port   int
}

// New builds a Fetcher targeting host:port, the api.hostname/api.port
// configuration keys.
func New(host string, port int) *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: 0}, // streaming: caller's context governs the deadline
		host:   host,
		port:   port,
	}
}

// Stream opens an HTTP GET for the body of id and returns the response
// body as a ReadCloser; the caller must Close it. The Session pipes this
// directly into the SMTP DATA writer, so no intermediate buffer exists.
func (f *Fetcher) Stream(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	url := fmt.Sprintf("http://%s:%d/fetch/%s?body=yes", f.host, f.port, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("bodyfetch: building request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("bodyfetch: fetching body for %s: %w", id, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("bodyfetch: unexpected status %d fetching body for %s", resp.StatusCode, id)
	}

	return resp.Body, resp.ContentLength, nil
}
