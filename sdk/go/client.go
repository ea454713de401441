package famtaskssdk

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

// Client is a minimal famtasks HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		ActorID:  actorID,
		Timeout:  10 * time.Second,
	}
}

// Template represents a catalog task template.
type Template struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Category     string `json:"category,omitempty"`
	DisplayOrder int    `json:"display_order"`
	IsTemplate   bool   `json:"is_template"`
}

// Dependency is a "task depends on depends_on_task_id" edge.
type Dependency struct {
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
	Type            string `json:"dependency_type"`
}

// Task is a family's copy of a template.
type Task struct {
	ID          string  `json:"id"`
	FamilyID    string  `json:"family_id"`
	TaskID      string  `json:"task_id"`
	Status      string  `json:"status"`
	Notes       string  `json:"notes,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	UpdatedAt   string  `json:"updated_at"`
}

// Readiness reports whether a task's dependencies allow it to advance.
type Readiness struct {
	CanStart        bool     `json:"can_start"`
	MissingRequired []string `json:"missing_required"`
	MissingOptional []string `json:"missing_optional"`
}

// BoardItem is one row of a family board.
type BoardItem struct {
	Instance Task   `json:"instance"`
	Title    string `json:"title"`
	Readiness
}

// Transition is the outcome of a status change request.
type Transition struct {
	Instance      Task   `json:"instance"`
	Changed       bool   `json:"changed"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Rule is a workflow automation rule.
type Rule struct {
	ID                 string  `json:"id,omitempty"`
	Name               string  `json:"name,omitempty"`
	TriggerCondition   string  `json:"trigger_condition"`
	TriggerTaskID      *string `json:"trigger_task_id,omitempty"`
	TriggerStatus      *string `json:"trigger_status,omitempty"`
	Action             string  `json:"action"`
	TargetType         string  `json:"target_type"`
	ActionTargetTaskID *string `json:"action_target_task_id,omitempty"`
	ActionTargetUserID *string `json:"action_target_user_id,omitempty"`
	IsActive           bool    `json:"is_active"`
}

// Event represents a log entry.
type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts"`
	Type          string `json:"type"`
	FamilyID      string `json:"family_id"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id"`
	ActorID       string `json:"actor_id"`
	CorrelationID string `json:"correlation_id"`
	Payload       string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTemplate adds a template to the catalog.
func (c *Client) CreateTemplate(ctx context.Context, t Template) (Template, error) {
	body := map[string]any{
		"id":            t.ID,
		"title":         t.Title,
		"description":   t.Description,
		"category":      t.Category,
		"display_order": t.DisplayOrder,
	}
	var resp Template
	err := c.do(ctx, http.MethodPost, "templates", body, &resp)
	return resp, err
}

// Templates lists the catalog. topological orders prerequisites first.
func (c *Client) Templates(ctx context.Context, topological bool) ([]Template, error) {
	endpoint := "templates"
	if topological {
		endpoint += "?order=topological"
	}
	var resp struct {
		Items []Template `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// AddDependency records that taskID depends on dependsOn. depType may be empty for required.
func (c *Client) AddDependency(ctx context.Context, taskID, dependsOn, depType string) (Dependency, error) {
	body := map[string]any{"depends_on_task_id": dependsOn}
	if depType != "" {
		body["dependency_type"] = depType
	}
	var resp Dependency
	endpoint := fmt.Sprintf("templates/%s/dependencies", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RemoveDependency deletes the edge and reports whether it existed.
func (c *Client) RemoveDependency(ctx context.Context, taskID, dependsOn string) (bool, error) {
	var resp struct {
		Removed bool `json:"removed"`
	}
	endpoint := fmt.Sprintf("templates/%s/dependencies?depends_on=%s", url.PathEscape(taskID), url.QueryEscape(dependsOn))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp.Removed, err
}

// CreateFamily materializes one task per template for the family.
func (c *Client) CreateFamily(ctx context.Context, id, name string) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodPost, "families", map[string]any{"id": id, "name": name}, &resp)
	return resp.Tasks, err
}

// Tasks lists a family's tasks.
func (c *Client) Tasks(ctx context.Context, familyID string) ([]Task, error) {
	return c.taskList(ctx, fmt.Sprintf("families/%s/tasks", url.PathEscape(familyID)))
}

// ReadyTasks lists a family's tasks that can be started now.
func (c *Client) ReadyTasks(ctx context.Context, familyID string) ([]Task, error) {
	return c.taskList(ctx, fmt.Sprintf("families/%s/ready", url.PathEscape(familyID)))
}

func (c *Client) taskList(ctx context.Context, endpoint string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Board returns every task of a family with its readiness.
func (c *Client) Board(ctx context.Context, familyID string) ([]BoardItem, error) {
	var resp struct {
		Items []BoardItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("families/%s/board", url.PathEscape(familyID)), nil, &resp)
	return resp.Items, err
}

// Readiness validates the dependencies of one task.
func (c *Client) Readiness(ctx context.Context, familyID, taskID string) (Readiness, error) {
	var resp Readiness
	endpoint := fmt.Sprintf("families/%s/tasks/%s/readiness", url.PathEscape(familyID), url.PathEscape(taskID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition requests a status change. notes may be nil to leave them untouched.
func (c *Client) Transition(ctx context.Context, familyID, taskID, status string, notes *string) (Transition, error) {
	body := map[string]any{"status": status}
	if notes != nil {
		body["notes"] = *notes
	}
	var resp Transition
	endpoint := fmt.Sprintf("families/%s/tasks/%s/transitions", url.PathEscape(familyID), url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateRule creates a workflow rule.
func (c *Client) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	var resp Rule
	body := map[string]any{
		"name":              r.Name,
		"trigger_condition": r.TriggerCondition,
		"action":            r.Action,
		"target_type":       r.TargetType,
	}
	for k, v := range map[string]*string{
		"trigger_task_id":       r.TriggerTaskID,
		"trigger_status":        r.TriggerStatus,
		"action_target_task_id": r.ActionTargetTaskID,
		"action_target_user_id": r.ActionTargetUserID,
	} {
		if v != nil {
			body[k] = *v
		}
	}
	err := c.do(ctx, http.MethodPost, "rules", body, &resp)
	return resp, err
}

// SetRuleActive enables or disables a rule.
func (c *Client) SetRuleActive(ctx context.Context, id string, active bool) (Rule, error) {
	var resp Rule
	endpoint := fmt.Sprintf("rules/%s/active", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"active": active}, &resp)
	return resp, err
}

// Events returns recent events of a family, or of everything when familyID is empty.
func (c *Client) Events(ctx context.Context, familyID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, familyID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, familyID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if familyID != "" {
		q.Set("family_id", familyID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
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
	if c.ActorID != "" {
		req.Header.Set("X-Actor-ID", c.ActorID)
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
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
