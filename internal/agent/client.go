package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/neuralsieve/relay/internal/model"
)

// Client is the agent's view of the relay: fetch pending captures and
// acknowledge processed ones, authenticated with a single bearer credential.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a relay client. timeout bounds each request.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchPending retrieves up to limit pending captures, oldest first.
func (c *Client) FetchPending(ctx context.Context, limit int) ([]model.Capture, error) {
	url := fmt.Sprintf("%s/api/v1/captures/pending?limit=%d", c.baseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch pending: relay returned %s", resp.Status)
	}

	var body model.PendingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode pending response: %w", err)
	}
	return body.Captures, nil
}

// Ack marks a capture as processed on the relay. Returns true when the relay
// performed the transition, false when the capture was unknown or already
// acknowledged — both of which mean "do not reprocess".
func (c *Client) Ack(ctx context.Context, captureID int64) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/captures/%d/ack", c.baseURL, captureID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return false, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("ack capture %d: %w", captureID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("ack capture %d: relay returned %s", captureID, resp.Status)
	}
}

// Health checks relay liveness. Unauthenticated.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay health check: returned %s", resp.Status)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}
