package stagegatesdk

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

// Client is a minimal stagegate HTTP API client.
type Client struct {
	BaseURL  string
	BasePath string
	// BearerToken takes precedence over AccountID.
	BearerToken string
	AccountID   string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// StageState is the workflow state of one stage.
type StageState struct {
	Status     string  `json:"status"`
	RoundIndex int     `json:"round_index"`
	Comment    *string `json:"comment,omitempty"`
}

// Initiative represents the API initiative model (partial).
type Initiative struct {
	ID           string                     `json:"id"`
	WorkstreamID string                     `json:"workstream_id"`
	Name         string                     `json:"name"`
	ActiveStage  string                     `json:"active_stage"`
	StageState   map[string]StageState      `json:"stage_state"`
	Stages       map[string]json.RawMessage `json:"stages"`
	Version      int                        `json:"version"`
}

// Approver is one role requirement of a gate round.
type Approver struct {
	Role string `json:"role"`
	Rule string `json:"rule"`
}

// Round is one gate round.
type Round struct {
	Name      string     `json:"name,omitempty"`
	Approvers []Approver `json:"approvers"`
}

// Workstream represents a workstream with its gate configuration.
type Workstream struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Gates       map[string][]Round `json:"gates"`
}

// Approval represents an approval task row.
type Approval struct {
	ID           string  `json:"id"`
	InitiativeID string  `json:"initiative_id"`
	StageKey     string  `json:"stage_key"`
	RoundIndex   int     `json:"round_index"`
	Role         string  `json:"role"`
	Rule         string  `json:"rule"`
	AccountID    string  `json:"account_id"`
	Status       string  `json:"status"`
	Comment      *string `json:"comment,omitempty"`
}

// Event represents one change-log entry.
type Event struct {
	ID           string  `json:"id"`
	EventID      string  `json:"event_id"`
	InitiativeID string  `json:"initiative_id"`
	EventType    string  `json:"event_type"`
	Field        string  `json:"field"`
	Previous     *string `json:"previous,omitempty"`
	Next         *string `json:"next,omitempty"`
	Version      int     `json:"version"`
	CreatedAt    string  `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type list[T any] struct {
	Items []T `json:"items"`
}

// CreateWorkstream creates a workstream with its gates.
func (c *Client) CreateWorkstream(ctx context.Context, ws Workstream) (Workstream, error) {
	var resp Workstream
	err := c.do(ctx, http.MethodPost, "workstreams", ws, &resp)
	return resp, err
}

// AssignRole assigns role to account in a workstream.
func (c *Client) AssignRole(ctx context.Context, workstreamID, accountID, role string) error {
	body := map[string]any{"account_id": accountID, "role": role}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("workstreams/%s/assignments", url.PathEscape(workstreamID)), body, nil)
}

// CreateInitiative creates an initiative at the given stage (empty for l0).
func (c *Client) CreateInitiative(ctx context.Context, workstreamID, name, stage string) (Initiative, error) {
	body := map[string]any{"workstream_id": workstreamID, "name": name}
	if stage != "" {
		body["active_stage"] = stage
	}
	var resp Initiative
	err := c.do(ctx, http.MethodPost, "initiatives", body, &resp)
	return resp, err
}

// GetInitiative fetches an initiative by id.
func (c *Client) GetInitiative(ctx context.Context, id string) (Initiative, error) {
	var resp Initiative
	err := c.do(ctx, http.MethodGet, "initiatives/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Submit submits the active stage, guarded by the version last read.
func (c *Client) Submit(ctx context.Context, id string, version int) (Initiative, error) {
	var resp Initiative
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("initiatives/%s/submit", url.PathEscape(id)), map[string]any{"version": version}, &resp)
	return resp, err
}

// PendingApprovals lists the pending approvals of the authenticated account.
func (c *Client) PendingApprovals(ctx context.Context) ([]Approval, error) {
	var resp list[Approval]
	err := c.do(ctx, http.MethodGet, "approvals", nil, &resp)
	return resp.Items, err
}

// Decide records approve, return or reject on an approval task.
func (c *Client) Decide(ctx context.Context, approvalID, decision, comment string) (Initiative, error) {
	body := map[string]any{"decision": decision}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Initiative
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/decision", url.PathEscape(approvalID)), body, &resp)
	return resp, err
}

// Events returns the initiative timeline.
func (c *Client) Events(ctx context.Context, initiativeID string) ([]Event, error) {
	var resp list[Event]
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("initiatives/%s/events", url.PathEscape(initiativeID)), nil, &resp)
	return resp.Items, err
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
	case c.AccountID != "":
		req.Header.Set("X-Account-Id", c.AccountID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	path := strings.Trim(c.BasePath, "/")
	base := strings.TrimRight(c.BaseURL, "/")
	if path == "" {
		return base
	}
	return base + "/" + path
}
