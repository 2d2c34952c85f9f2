// Package crm pushes membership state to the CRM.
package crm

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

	"github.com/dukerupert/hearth/internal/domain"
	"github.com/dukerupert/hearth/internal/telemetry"
)

// ErrNotConfigured is returned when no base URL or token is set.
var ErrNotConfigured = errors.New("crm: not configured")

// Client talks to a Zoho-style CRM.
type Client struct {
	baseURL    string
	oauthToken string
	httpClient *http.Client
}

// Membership is the CRM contact record we own.
type Membership struct {
	UserID          string `json:"User_Id"`
	Role            string `json:"Membership_Role"`
	Status          string `json:"Membership_Status"`
	Plan            string `json:"Membership_Plan,omitempty"`
	StatusChangedAt string `json:"Status_Changed_At"`
}

type upsertRequest struct {
	Data                 []Membership `json:"data"`
	DuplicateCheckFields []string     `json:"duplicate_check_fields"`
}

type upsertResponse struct {
	Data []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"data"`
}

// NewClient creates a CRM client. timeout bounds each request.
func NewClient(baseURL, oauthToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		oauthToken: oauthToken,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &telemetry.HTTPTransport{},
		},
	}
}

// SyncMembership upserts the user's membership keyed on User_Id. The record
// carries absolute state, so repeating a call is harmless.
func (c *Client) SyncMembership(ctx context.Context, change domain.StatusChange, role domain.Role, plan string) error {
	if c.baseURL == "" || c.oauthToken == "" {
		return ErrNotConfigured
	}

	payload := upsertRequest{
		Data: []Membership{{
			UserID:          change.UserID.String(),
			Role:            string(role),
			Status:          string(change.NewStatus),
			Plan:            plan,
			StatusChangedAt: change.Timestamp.UTC().Format(time.RFC3339),
		}},
		DuplicateCheckFields: []string{"User_Id"},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal membership: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Contacts/upsert", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Zoho-oauthtoken "+c.oauthToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("failed to upsert membership (status %d): %s", resp.StatusCode, string(body))
	}

	var result upsertResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(result.Data) == 0 {
		return fmt.Errorf("no data in response")
	}
	if result.Data[0].Status != "success" {
		return fmt.Errorf("membership upsert failed: %s (%s)", result.Data[0].Message, result.Data[0].Code)
	}
	return nil
}
