// Package providers calls the external AI, election, viability and compliance
// services the handlers depend on.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/campaignkit/campaign-worker/internal/failure"
)

// ErrorDetails is the error body returned by the providers
type ErrorDetails struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
}

// HTTPError is a non-2xx provider response
type HTTPError struct {
	Provider   string
	StatusCode int
	Details    ErrorDetails
}

func (e *HTTPError) Error() string {
	if e.Details.Message != "" {
		return fmt.Sprintf("%s returned %d: %s", e.Provider, e.StatusCode, e.Details.Message)
	}
	return fmt.Sprintf("%s returned %d", e.Provider, e.StatusCode)
}

// Client is a JSON-over-HTTP client bound to one provider base URL
type Client struct {
	name    string
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

func NewClient(name, baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{},
	}
}

// call sends in as JSON and decodes the response into out. Client errors
// other than 408 and 429 are permanent; everything else is left retryable.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", c.name, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", c.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{Provider: c.name, StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, &httpErr.Details)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return failure.MarkPermanent(httpErr)
		}
		return httpErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", c.name, err)
	}
	return nil
}
