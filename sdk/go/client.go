// Package streampaysdk is a minimal Go client for the StreamPay HTTP API.
package streampaysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a StreamPay server.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Escrow represents the API escrow model (partial).
type Escrow struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	ContractID  string `json:"contract_id"`
	TotalAmount int64  `json:"total_amount"`
	Status      string `json:"status"`
	Platform    string `json:"platform"`
	CreatedAt   string `json:"created_at"`
}

// Milestone represents one slice of an escrow.
type Milestone struct {
	EscrowID       string  `json:"escrow_id"`
	Idx            int     `json:"idx"`
	Title          string  `json:"title"`
	TriggerKeyword string  `json:"trigger_keyword"`
	BPS            int     `json:"bps"`
	Status         string  `json:"status"`
	TaskURL        *string `json:"task_url,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

// MilestonePlan is one entry of an escrow's creation plan.
type MilestonePlan struct {
	Title          string `json:"title"`
	TriggerKeyword string `json:"trigger_keyword"`
	BPS            int    `json:"bps"`
}

// EscrowSummary is the balance view of an escrow.
type EscrowSummary struct {
	Escrow       Escrow      `json:"escrow"`
	Milestones   []Milestone `json:"milestones"`
	Released     int64       `json:"released"`
	Refunded     int64       `json:"refunded"`
	PlatformFee  int64       `json:"platform_fee"`
	DeveloperNet int64       `json:"developer_net"`
	Remaining    int64       `json:"remaining"`
}

// VoteOutcome reports what a recorded vote did.
type VoteOutcome struct {
	Recorded        bool   `json:"recorded"`
	Action          string `json:"action"`
	Approvals       int    `json:"approvals"`
	Threshold       int    `json:"threshold"`
	ThresholdMet    bool   `json:"threshold_met"`
	Released        bool   `json:"released"`
	AlreadyReleased bool   `json:"already_released"`
	DisputeBlocked  bool   `json:"dispute_blocked"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EscrowID   string `json:"escrow_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEscrow creates an escrow with its milestone plan.
func (c *Client) CreateEscrow(ctx context.Context, orgID, contractID string, total int64, milestones []MilestonePlan) (Escrow, error) {
	body := map[string]any{
		"org_id":       orgID,
		"contract_id":  contractID,
		"total_amount": total,
		"milestones":   milestones,
	}
	var resp Escrow
	err := c.do(ctx, http.MethodPost, "v0/escrows", body, &resp)
	return resp, err
}

// Escrow fetches one escrow.
func (c *Client) Escrow(ctx context.Context, id string) (Escrow, error) {
	var resp Escrow
	err := c.do(ctx, http.MethodGet, "v0/escrows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Summary fetches the balance view of an escrow.
func (c *Client) Summary(ctx context.Context, id string) (EscrowSummary, error) {
	var resp EscrowSummary
	err := c.do(ctx, http.MethodGet, "v0/escrows/"+url.PathEscape(id)+"/summary", nil, &resp)
	return resp, err
}

// Milestones lists an escrow's milestones.
func (c *Client) Milestones(ctx context.Context, escrowID string) ([]Milestone, error) {
	var resp []Milestone
	err := c.do(ctx, http.MethodGet, "v0/escrows/"+url.PathEscape(escrowID)+"/milestones", nil, &resp)
	return resp, err
}

// Vote records an approval vote on a milestone. The acting member comes
// from the client's credentials.
func (c *Client) Vote(ctx context.Context, escrowID string, idx int, action, note string) (VoteOutcome, error) {
	body := map[string]any{
		"action": action,
		"note":   note,
	}
	var resp VoteOutcome
	endpoint := fmt.Sprintf("v0/escrows/%s/milestones/%d/votes", url.PathEscape(escrowID), idx)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent audit events, newest first.
func (c *Client) Events(ctx context.Context, escrowID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if escrowID != "" {
		q.Set("escrow_id", escrowID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
