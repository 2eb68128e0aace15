package esmapsdk

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

// Client is a minimal esmap HTTP API client.
type Client struct {
	BaseURL      string
	BasePath     string
	SessionToken string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Task represents the API task model.
type Task struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MapID       string `json:"map_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
}

// Location is a normalized map location.
type Location struct {
	ID          string      `json:"id"`
	Coordinates Coordinates `json:"coordinates"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Progress summarizes a user's visits on a task.
type Progress struct {
	VisitedIDs     []string `json:"visited_ids"`
	VisitedCount   int      `json:"visited_count"`
	TotalCount     int      `json:"total_count"`
	Percent        float64  `json:"percent"`
	PercentRounded int      `json:"percent_rounded"`
}

// Marker is a renderable map marker.
type Marker struct {
	Location Location `json:"location"`
	Visited  bool     `json:"visited"`
	Selected bool     `json:"selected"`
}

// TaskView bundles everything a task screen needs.
type TaskView struct {
	Task      Task       `json:"task"`
	Locations []Location `json:"locations"`
	Progress  Progress   `json:"progress"`
	Markers   []Marker   `json:"markers"`
	Selected  *Location  `json:"selected,omitempty"`
}

// Session is the result of an auth callback or session lookup.
type Session struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	ExpiresAt string `json:"expires_at"`
}

// SubmitResult reports a submission outcome. Pending is true when the
// submission was queued locally because the CMS was unreachable.
type SubmitResult struct {
	ID      string `json:"id"`
	Pending bool   `json:"pending"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// AuthCallback exchanges an Entu temporary key for a session token and
// stores it on the client for subsequent calls.
func (c *Client) AuthCallback(ctx context.Context, key string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "auth/callback", map[string]any{"key": key}, &resp)
	if err == nil {
		c.SessionToken = resp.Token
	}
	return resp, err
}

// Session returns the current session.
func (c *Client) Session(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "auth/session", nil, &resp)
	return resp, err
}

// Logout ends the current session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "auth/session", nil, nil)
}

// Tasks lists the tasks visible to the session.
func (c *Client) Tasks(ctx context.Context) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "tasks", nil, &resp)
	return resp.Items, err
}

// Task fetches the full view of a task: locations, progress, markers,
// and current selection.
func (c *Client) Task(ctx context.Context, taskID string) (TaskView, error) {
	var resp TaskView
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, ""), nil, &resp)
	return resp, err
}

// TaskLocations lists the normalized locations of a task's map.
func (c *Client) TaskLocations(ctx context.Context, taskID string) ([]Location, error) {
	var resp struct {
		Items []Location `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, "locations"), nil, &resp)
	return resp.Items, err
}

// Progress returns the visit summary for the session's user on a task.
func (c *Client) Progress(ctx context.Context, taskID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, "progress"), nil, &resp)
	return resp, err
}

// Markers returns renderable markers for a task's locations.
func (c *Client) Markers(ctx context.Context, taskID string) ([]Marker, error) {
	var resp struct {
		Items []Marker `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, "markers"), nil, &resp)
	return resp.Items, err
}

// SubmitResponse records a visit at a location by id.
func (c *Client) SubmitResponse(ctx context.Context, taskID, locationID, text string) (SubmitResult, error) {
	body := map[string]any{"location_id": locationID}
	if text != "" {
		body["text"] = text
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "responses"), body, &resp)
	return resp, err
}

// SubmitResponseAt records a visit at raw coordinates; the server resolves
// the location by proximity.
func (c *Client) SubmitResponseAt(ctx context.Context, taskID string, at Coordinates, text string) (SubmitResult, error) {
	body := map[string]any{"coordinates": at}
	if text != "" {
		body["text"] = text
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "responses"), body, &resp)
	return resp, err
}

// UploadInfo is a presigned target for uploading a response photo. The
// caller sends the file bytes to URL with Method and Headers.
type UploadInfo struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PhotoUploadTarget requests an upload target for attaching a photo to a
// stored response.
func (c *Client) PhotoUploadTarget(ctx context.Context, responseID, filename, filetype string, size int64) (UploadInfo, error) {
	body := map[string]any{"filename": filename}
	if filetype != "" {
		body["filetype"] = filetype
	}
	if size > 0 {
		body["size"] = size
	}
	var resp UploadInfo
	err := c.do(ctx, http.MethodPost, "responses/"+url.PathEscape(responseID)+"/photo", body, &resp)
	return resp, err
}

// Select sets the session's selected location on a task. Selecting the
// already-selected location is a no-op, not a toggle.
func (c *Client) Select(ctx context.Context, taskID, locationID string) (*Location, error) {
	var resp struct {
		Selected *Location `json:"selected"`
	}
	body := map[string]any{"location_id": locationID}
	err := c.do(ctx, http.MethodPut, c.taskPath(taskID, "selection"), body, &resp)
	return resp.Selected, err
}

// SelectAt resolves a raw map tap to a location and selects it.
func (c *Client) SelectAt(ctx context.Context, taskID string, at Coordinates) (*Location, error) {
	var resp struct {
		Selected *Location `json:"selected"`
	}
	body := map[string]any{"coordinates": at}
	err := c.do(ctx, http.MethodPut, c.taskPath(taskID, "selection"), body, &resp)
	return resp.Selected, err
}

// Selection returns the currently selected location, if any.
func (c *Client) Selection(ctx context.Context, taskID string) (*Location, error) {
	var resp struct {
		Selected *Location `json:"selected"`
	}
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, "selection"), nil, &resp)
	return resp.Selected, err
}

// Deselect clears the selection on a task.
func (c *Client) Deselect(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, c.taskPath(taskID, "selection"), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
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
	if c.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.SessionToken)
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

func (c *Client) taskPath(taskID, sub string) string {
	p := "tasks/" + url.PathEscape(taskID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
