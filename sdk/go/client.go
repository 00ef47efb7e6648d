package intakelinesdk

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

// Client is a minimal Intakeline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Request represents the API request model (partial).
type Request struct {
	ID              string   `json:"id"`
	RequestNumber   string   `json:"request_number"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Type            string   `json:"type"`
	Priority        string   `json:"priority"`
	Stage           string   `json:"stage"`
	StageEnteredAt  string   `json:"stage_entered_at"`
	Tags            []string `json:"tags,omitempty"`
	ClientID        *string  `json:"client_id,omitempty"`
	RequesterID     string   `json:"requester_id"`
	AssignedPMID    *string  `json:"assigned_pm_id,omitempty"`
	StoryPoints     *int     `json:"story_points,omitempty"`
	ConvertedToType *string  `json:"converted_to_type,omitempty"`
	ConvertedToID   *string  `json:"converted_to_id,omitempty"`
	IsConverted     bool     `json:"is_converted"`
	IsCancelled     bool     `json:"is_cancelled"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

// NewRequest is the payload for CreateRequest.
type NewRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
}

// HistoryEntry is one audit record.
type HistoryEntry struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type EstimateResult struct {
	Request        Request `json:"request"`
	Recommendation string  `json:"recommendation"`
}

type ConvertResult struct {
	ConvertedToType string `json:"converted_to_type"`
	ConvertedToID   string `json:"converted_to_id"`
	RoutedBy        string `json:"routed_by"`
}

type BulkFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult lists per-item outcomes of a bulk call.
type BulkResult struct {
	Success []string      `json:"success"`
	Failed  []BulkFailure `json:"failed"`
}

// AgingRequest is a request past its stage alert threshold.
type AgingRequest struct {
	Request     Request `json:"request"`
	DaysInStage int     `json:"days_in_stage"`
	Threshold   int     `json:"threshold"`
	Severity    string  `json:"severity"`
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

// PaginatedRequests wraps list responses with cursors.
type PaginatedRequests struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// ListOptions filters ListRequests.
type ListOptions struct {
	Stage        string
	AssignedPMID string
	ClientID     string
	Limit        int
	Cursor       string
}

// CreateRequest submits a request.
func (c *Client) CreateRequest(ctx context.Context, in NewRequest) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", in, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, c.requestPath(id, ""), nil, &resp)
	return resp, err
}

// ListRequests returns one page of active requests.
func (c *Client) ListRequests(ctx context.Context, opts ListOptions) (PaginatedRequests, error) {
	q := url.Values{}
	if opts.Stage != "" {
		q.Set("stage", opts.Stage)
	}
	if opts.AssignedPMID != "" {
		q.Set("assigned_pm_id", opts.AssignedPMID)
	}
	if opts.ClientID != "" {
		q.Set("client_id", opts.ClientID)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	endpoint := "requests"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a request to another stage.
func (c *Client) Transition(ctx context.Context, id, toStage, reason string) (Request, error) {
	var resp Request
	body := map[string]any{"to_stage": toStage, "reason": reason}
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "transition"), body, &resp)
	return resp, err
}

// Hold puts a request on hold.
func (c *Client) Hold(ctx context.Context, id, reason string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "hold"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Resume returns an on-hold request to treatment.
func (c *Client) Resume(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "resume"), nil, &resp)
	return resp, err
}

// Estimate records story points and confidence.
func (c *Client) Estimate(ctx context.Context, id string, points int, confidence, notes string) (EstimateResult, error) {
	body := map[string]any{
		"story_points": points,
		"confidence":   confidence,
		"notes":        notes,
	}
	var resp EstimateResult
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "estimate"), body, &resp)
	return resp, err
}

// Convert turns a ready request into a project or ticket.
func (c *Client) Convert(ctx context.Context, id, destination, projectID string, override bool) (ConvertResult, error) {
	body := map[string]any{
		"destination_type": destination,
		"project_id":       projectID,
		"override_routing": override,
	}
	var resp ConvertResult
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "convert"), body, &resp)
	return resp, err
}

// AssignPM sets the project manager.
func (c *Client) AssignPM(ctx context.Context, id, pmID string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "assign-pm"), map[string]any{"pm_id": pmID}, &resp)
	return resp, err
}

// Cancel cancels a request.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Request, error) {
	endpoint := c.requestPath(id, "")
	if reason != "" {
		endpoint += "?reason=" + url.QueryEscape(reason)
	}
	var resp Request
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// History lists audit entries, newest first.
func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.requestPath(id, "history"), nil, &resp)
	return resp.Items, err
}

// BulkTransition moves many requests at once.
func (c *Client) BulkTransition(ctx context.Context, ids []string, toStage, reason string) (BulkResult, error) {
	body := map[string]any{"ids": ids, "to_stage": toStage, "reason": reason}
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, "requests/bulk/transition", body, &resp)
	return resp, err
}

// BulkAssignPM assigns one PM to many requests.
func (c *Client) BulkAssignPM(ctx context.Context, ids []string, pmID string) (BulkResult, error) {
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, "requests/bulk/assign", map[string]any{"ids": ids, "pm_id": pmID}, &resp)
	return resp, err
}

// Aging lists requests past their alert threshold.
func (c *Client) Aging(ctx context.Context) ([]AgingRequest, error) {
	var resp struct {
		Items []AgingRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "requests/aging", nil, &resp)
	return resp.Items, err
}

// Analytics returns the raw analytics document.
func (c *Client) Analytics(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "requests/analytics", nil, &resp)
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

func (c *Client) requestPath(id, action string) string {
	p := "requests/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
