package mailpilotsdk

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

// Client is a minimal MailPilot HTTP API client.
type Client struct {
	BaseURL     string
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

// MissionSummary is one goal-inbox row (partial API model).
type MissionSummary struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	Priority       string `json:"priority"`
	NextAction     string `json:"next_action,omitempty"`
	LastActivityAt string `json:"last_activity_at"`
}

// Mission is the full mission model (partial).
type Mission struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Goal           string          `json:"goal"`
	Status         string          `json:"status"`
	NextAction     string          `json:"next_action,omitempty"`
	PlanCard       *PlanCard       `json:"plan_card,omitempty"`
	ExecutionSteps []ExecutionStep `json:"execution_steps,omitempty"`
}

// PlanCard is the approvable plan (partial).
type PlanCard struct {
	ID             string   `json:"id"`
	MissionID      string   `json:"mission_id"`
	Goal           string   `json:"goal"`
	Steps          []string `json:"steps"`
	Tools          []string `json:"tools"`
	RiskFlags      []string `json:"risk_flags"`
	Status         string   `json:"status"`
	Confidence     float64  `json:"confidence"`
	AutoApprovable bool     `json:"auto_approvable"`
}

type ExecutionStep struct {
	ID          string  `json:"id"`
	Position    int     `json:"position"`
	Description string  `json:"description"`
	Tool        string  `json:"tool"`
	Status      string  `json:"status"`
	Result      *string `json:"result,omitempty"`
	Error       *string `json:"error,omitempty"`
}

type ExecutionResult struct {
	Success bool     `json:"success"`
	Changes []string `json:"changes"`
	Error   string   `json:"error,omitempty"`
}

type TurnResult struct {
	Mission        *Mission         `json:"mission,omitempty"`
	IntentType     string           `json:"intent_type,omitempty"`
	Clarifications []string         `json:"clarifications,omitempty"`
	Reply          string           `json:"reply,omitempty"`
	PlanCard       *PlanCard        `json:"plan_card,omitempty"`
	Executed       *ExecutionResult `json:"executed,omitempty"`
	Degraded       bool             `json:"degraded,omitempty"`
}

type AuditLogEntry struct {
	ID         int64  `json:"id"`
	MissionID  string `json:"mission_id"`
	TS         string `json:"ts"`
	Action     string `json:"action"`
	TargetID   string `json:"target_id,omitempty"`
	InputJSON  string `json:"input_json,omitempty"`
	OutputJSON string `json:"output_json,omitempty"`
	ApprovedBy string `json:"approved_by"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Turn submits one chat turn.
func (c *Client) Turn(ctx context.Context, text, missionID string, threadIDs []string) (TurnResult, error) {
	body := map[string]any{"text": text}
	if missionID != "" {
		body["mission_id"] = missionID
	}
	if len(threadIDs) > 0 {
		body["thread_ids"] = threadIDs
	}
	var resp TurnResult
	err := c.do(ctx, http.MethodPost, "v0/turns", body, &resp)
	return resp, err
}

// Missions lists the goal inbox.
func (c *Client) Missions(ctx context.Context, status string) ([]MissionSummary, error) {
	endpoint := "v0/missions"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []MissionSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Mission fetches one mission with its current plan.
func (c *Client) Mission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "v0/missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ApprovePlan approves a pending card, optionally executing it.
func (c *Client) ApprovePlan(ctx context.Context, missionID, cardID string, execute bool) (PlanCard, *ExecutionResult, error) {
	var resp struct {
		PlanCard PlanCard         `json:"plan_card"`
		Executed *ExecutionResult `json:"executed,omitempty"`
	}
	endpoint := fmt.Sprintf("v0/missions/%s/plans/%s/approve", url.PathEscape(missionID), url.PathEscape(cardID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"execute": execute}, &resp)
	return resp.PlanCard, resp.Executed, err
}

// RejectPlan declines a pending card.
func (c *Client) RejectPlan(ctx context.Context, missionID, cardID, reason string) (PlanCard, error) {
	var resp PlanCard
	endpoint := fmt.Sprintf("v0/missions/%s/plans/%s/reject", url.PathEscape(missionID), url.PathEscape(cardID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ExecutePlan runs an approved card.
func (c *Client) ExecutePlan(ctx context.Context, missionID, cardID string) (ExecutionResult, error) {
	var resp ExecutionResult
	endpoint := fmt.Sprintf("v0/missions/%s/plans/%s/execute", url.PathEscape(missionID), url.PathEscape(cardID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// SkipStep cancels one pending step.
func (c *Client) SkipStep(ctx context.Context, missionID, stepID string) (ExecutionStep, error) {
	var resp ExecutionStep
	endpoint := fmt.Sprintf("v0/missions/%s/steps/%s/skip", url.PathEscape(missionID), url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// AuditLog returns a mission's audit entries.
func (c *Client) AuditLog(ctx context.Context, missionID string, limit int) ([]AuditLogEntry, error) {
	endpoint := "v0/missions/" + url.PathEscape(missionID) + "/audit"
	if limit > 0 {
		endpoint += fmt.Sprintf("?limit=%d", limit)
	}
	var resp []AuditLogEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
