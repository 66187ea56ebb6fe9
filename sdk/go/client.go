package reglinesdk

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

// Client is a minimal Regline HTTP API client.
type Client struct {
	BaseURL     string
	CycleID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, cycleID string) *Client {
	return &Client{
		BaseURL: baseURL,
		CycleID: cycleID,
		Timeout: 10 * time.Second,
	}
}

// Report represents the API report model (partial).
type Report struct {
	ID            string `json:"id"`
	CycleID       string `json:"cycle_id"`
	Title         string `json:"title"`
	ReportOwnerID string `json:"report_owner_id,omitempty"`
	Status        string `json:"status"`
}

// Activity represents a workflow step (partial).
type Activity struct {
	ID       string `json:"id"`
	ReportID string `json:"report_id"`
	PhaseID  string `json:"phase_id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	SLAType  string `json:"sla_type,omitempty"`
}

// Version represents a scope version with its decisions (partial).
type Version struct {
	ID            string     `json:"id"`
	ReportID      string     `json:"report_id"`
	PhaseID       string     `json:"phase_id"`
	ScopeKind     string     `json:"scope_kind"`
	VersionNumber int        `json:"version_number"`
	Status        string     `json:"status"`
	Decisions     []Decision `json:"decisions,omitempty"`
}

// Decision represents one per-entity scope call.
type Decision struct {
	ID               string  `json:"id"`
	VersionID        string  `json:"version_id"`
	EntityRef        string  `json:"entity_ref"`
	TesterDecision   string  `json:"tester_decision"`
	OwnerDecision    *string `json:"owner_decision,omitempty"`
	OverrideDecision *string `json:"override_decision,omitempty"`
	EffectiveOutcome string  `json:"effective_outcome"`
}

// DecisionInput is one entry for bulk decision import.
type DecisionInput struct {
	EntityRef string `json:"entity_ref"`
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
}

// Violation represents an SLA violation (partial).
type Violation struct {
	ID              string `json:"id"`
	ActivityID      string `json:"activity_id"`
	SLAType         string `json:"sla_type"`
	DueAt           string `json:"due_at"`
	IsViolated      bool   `json:"is_violated"`
	EscalationLevel int    `json:"current_escalation_level"`
	Resolved        bool   `json:"resolved"`
}

// Execution represents an automated step (partial).
type Execution struct {
	ID            string `json:"id"`
	ActivityID    string `json:"activity_id"`
	PolicyType    string `json:"policy_type"`
	Status        string `json:"status"`
	Attempt       int    `json:"attempt"`
	MaxAttempts   int    `json:"max_attempts"`
	NextAttemptAt string `json:"next_attempt_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CycleID    string         `json:"cycle_id,omitempty"`
	ReportID   string         `json:"report_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateReport creates a report and instantiates its workflow.
func (c *Client) CreateReport(ctx context.Context, title, ownerID string) (Report, error) {
	body := map[string]any{
		"title": title,
	}
	if ownerID != "" {
		body["report_owner_id"] = ownerID
	}
	var resp Report
	err := c.do(ctx, http.MethodPost, c.cyclePath("reports"), body, &resp)
	return resp, err
}

// NextActivity returns the activity to work on next for a report.
func (c *Client) NextActivity(ctx context.Context, reportID string) (Activity, error) {
	var resp Activity
	endpoint := c.cyclePath(fmt.Sprintf("reports/%s/activities/next", url.PathEscape(reportID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartActivity starts an activity, optionally out of order.
func (c *Client) StartActivity(ctx context.Context, activityID string, force bool) (Activity, error) {
	endpoint := c.cyclePath(fmt.Sprintf("activities/%s/start", url.PathEscape(activityID)))
	if force {
		endpoint += "?force=true"
	}
	var resp Activity
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CompleteActivity completes an activity.
func (c *Client) CompleteActivity(ctx context.Context, activityID string, force bool) (Activity, error) {
	endpoint := c.cyclePath(fmt.Sprintf("activities/%s/complete", url.PathEscape(activityID)))
	if force {
		endpoint += "?force=true"
	}
	var resp Activity
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CreateVersion opens a draft scope version for a phase.
func (c *Client) CreateVersion(ctx context.Context, reportID, phase, scopeKind string) (Version, error) {
	body := map[string]any{
		"scope_kind": scopeKind,
	}
	var resp Version
	endpoint := c.cyclePath(fmt.Sprintf("reports/%s/phases/%s/versions", url.PathEscape(reportID), url.PathEscape(phase)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetVersion fetches a version with its decisions.
func (c *Client) GetVersion(ctx context.Context, versionID string) (Version, error) {
	var resp Version
	endpoint := c.cyclePath(fmt.Sprintf("versions/%s", url.PathEscape(versionID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddDecision records a tester decision on a draft version.
func (c *Client) AddDecision(ctx context.Context, versionID, entityRef, decision, rationale string) (Decision, error) {
	body := map[string]any{
		"entity_ref": entityRef,
		"decision":   decision,
	}
	if rationale != "" {
		body["rationale"] = rationale
	}
	var resp Decision
	endpoint := c.cyclePath(fmt.Sprintf("versions/%s/decisions", url.PathEscape(versionID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ImportDecisions bulk-loads tester decisions onto a draft version.
func (c *Client) ImportDecisions(ctx context.Context, versionID string, items []DecisionInput) ([]Decision, error) {
	body := map[string]any{
		"items": items,
	}
	var resp []Decision
	endpoint := c.cyclePath(fmt.Sprintf("versions/%s/decisions/import", url.PathEscape(versionID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmitVersion moves a draft to pending_approval.
func (c *Client) SubmitVersion(ctx context.Context, versionID string) (Version, error) {
	var resp Version
	endpoint := c.cyclePath(fmt.Sprintf("versions/%s/submit", url.PathEscape(versionID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ReviewVersion approves or rejects a pending version. Verdict is
// "approve" or "reject".
func (c *Client) ReviewVersion(ctx context.Context, versionID, verdict, notes string) (Version, error) {
	body := map[string]any{
		"verdict": verdict,
	}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Version
	endpoint := c.cyclePath(fmt.Sprintf("versions/%s/review", url.PathEscape(versionID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Violations lists SLA violations, optionally only unresolved ones.
func (c *Client) Violations(ctx context.Context, open bool) ([]Violation, error) {
	endpoint := c.cyclePath("violations")
	if open {
		endpoint += "?open=true"
	}
	var resp []Violation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EnqueueExecution queues an automated step under a retry policy.
func (c *Client) EnqueueExecution(ctx context.Context, activityID, policyType string, payload map[string]any) (Execution, error) {
	body := map[string]any{
		"activity_id": activityID,
		"policy_type": policyType,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp Execution
	err := c.do(ctx, http.MethodPost, c.cyclePath("executions"), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.cyclePath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
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

func (c *Client) cyclePath(p string) string {
	cycle := url.PathEscape(c.CycleID)
	return fmt.Sprintf("v0/cycles/%s/%s", cycle, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
