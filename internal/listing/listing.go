// Package listing tells the listing service whether an owner's listings are
// publicly visible.
package listing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/hearth/internal/telemetry"
)

// ErrNotConfigured is returned when no base URL is set.
var ErrNotConfigured = errors.New("listing: not configured")

// Client calls the listing visibility endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type visibilityRequest struct {
	Visible bool   `json:"visible"`
	Reason  string `json:"reason"`
}

// NewClient creates a listing client. timeout bounds each request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &telemetry.HTTPTransport{},
		},
	}
}

// SetVisibility shows or hides every listing owned by userID. An owner with no
// listings (404) is not an error.
func (c *Client) SetVisibility(ctx context.Context, userID uuid.UUID, visible bool, reason string) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	jsonData, err := json.Marshal(visibilityRequest{Visible: visible, Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to marshal visibility: %w", err)
	}

	url := fmt.Sprintf("%s/owners/%s/listings/visibility", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("failed to set listing visibility (status %d): %s", resp.StatusCode, string(body))
}
