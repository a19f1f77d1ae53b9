// Package client provides a typed HTTP client for the solace worker API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/solace-ai/solace/pkg/models"
)

// DefaultPort is the worker's default listen port.
const DefaultPort = 8787

// WorkerPort returns the worker port, preferring a valid SOLACE_PORT env
// value over the default.
func WorkerPort() int {
	if v := os.Getenv("SOLACE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return DefaultPort
}

// LocalBaseURL returns the base URL of the local worker.
func LocalBaseURL() string {
	return fmt.Sprintf("http://localhost:%d", WorkerPort())
}

// APIError is a non-2xx response from the worker. Sent and Required are
// populated when the engagement gate rejects a completion.
type APIError struct {
	Status   int
	Message  string
	Sent     int
	Required int
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("worker returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("worker returned %d", e.Status)
}

// Health is the worker's probe response.
type Health struct {
	Status  string `json:"status"`
	Ready   bool   `json:"ready"`
	Version string `json:"version"`
}

// Status is the worker's status summary.
type Status struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ActiveSessions int    `json:"active_sessions"`
	PausedSessions int    `json:"paused_sessions"`
	SSEClients     int    `json:"sse_clients"`
	FeedBackend    string `json:"feed_backend"`
	DatabaseDriver string `json:"database_driver"`
}

// SessionView mirrors the worker's session view payload.
type SessionView struct {
	Conversation     *models.Conversation `json:"conversation,omitempty"`
	Messages         []*models.Message    `json:"messages"`
	HasActiveSession bool                 `json:"has_active_session"`
	IsPaused         bool                 `json:"is_paused"`
	IsWaitingForAI   bool                 `json:"is_waiting_for_ai"`
}

// MemberInsight is one report in a manager's team view.
type MemberInsight struct {
	UserID          string             `json:"user_id"`
	Sessions        int64              `json:"sessions"`
	LastCompletedAt int64              `json:"last_completed_at_epoch,omitempty"`
	Ocean           models.OceanScores `json:"ocean"`
	HasOceanSignals bool               `json:"has_ocean_signals"`
}

// TeamReport is the aggregate team view for a manager.
type TeamReport struct {
	ManagerID    string             `json:"manager_id"`
	Members      []MemberInsight    `json:"members"`
	AverageOcean models.OceanScores `json:"average_ocean"`
}

// Event is one server-sent event from the worker stream.
type Event struct {
	Name string
	Data string
}

// Client calls the solace worker API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for baseURL. An empty baseURL targets the local
// worker. A non-empty token is sent as a bearer credential.
func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = LocalBaseURL()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// IsWorkerRunning reports whether a worker answers its health probe.
func (c *Client) IsWorkerRunning(ctx context.Context) bool {
	health, err := c.Health(ctx)
	return err == nil && health.Status == "ok"
}

// Health fetches the worker's probe response.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var health Health
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Status fetches the worker's status summary.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.doJSON(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StartSession starts a new session for userID.
func (c *Client) StartSession(ctx context.Context, userID string) (*SessionView, error) {
	var view SessionView
	body := map[string]string{"user_id": userID}
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", body, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// CurrentSession fetches the user's current session view.
func (c *Client) CurrentSession(ctx context.Context, userID string) (*SessionView, error) {
	var view SessionView
	path := "/api/sessions/current?user_id=" + url.QueryEscape(userID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// SendMessage appends a user message to the conversation.
func (c *Client) SendMessage(ctx context.Context, userID, conversationID, content string) (*models.Message, error) {
	var msg models.Message
	body := map[string]string{"user_id": userID, "content": content}
	path := "/api/sessions/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Messages fetches the ordered message list for the conversation.
func (c *Client) Messages(ctx context.Context, userID, conversationID string) ([]*models.Message, error) {
	var resp struct {
		Messages []*models.Message `json:"messages"`
		Count    int               `json:"count"`
	}
	path := "/api/sessions/" + url.PathEscape(conversationID) + "/messages?user_id=" + url.QueryEscape(userID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// PauseSession pauses the active session.
func (c *Client) PauseSession(ctx context.Context, userID, conversationID string) error {
	body := map[string]string{"user_id": userID}
	path := "/api/sessions/" + url.PathEscape(conversationID) + "/pause"
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// ResumeSession resumes a paused session and returns the restored view.
func (c *Client) ResumeSession(ctx context.Context, userID, conversationID string) (*SessionView, error) {
	var view SessionView
	body := map[string]string{"user_id": userID}
	path := "/api/sessions/" + url.PathEscape(conversationID) + "/resume"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// CompleteSession completes the session. The engagement gate surfaces as an
// APIError with Sent and Required populated.
func (c *Client) CompleteSession(ctx context.Context, userID, conversationID string) error {
	body := map[string]string{"user_id": userID}
	path := "/api/sessions/" + url.PathEscape(conversationID) + "/complete"
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// RecordActivity sends the idle-monitor heartbeat.
func (c *Client) RecordActivity(ctx context.Context, userID, conversationID string) error {
	body := map[string]string{"user_id": userID}
	path := "/api/sessions/" + url.PathEscape(conversationID) + "/activity"
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// SessionInsights fetches the analysis insights for a completed session.
func (c *Client) SessionInsights(ctx context.Context, userID, conversationID string) (*models.SessionInsights, error) {
	var insights models.SessionInsights
	path := "/api/sessions/" + url.PathEscape(conversationID) + "/insights?user_id=" + url.QueryEscape(userID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &insights); err != nil {
		return nil, err
	}
	return &insights, nil
}

// TeamInsights fetches the aggregate team view for a manager.
func (c *Client) TeamInsights(ctx context.Context, managerID string) (*TeamReport, error) {
	var report TeamReport
	path := "/api/team/" + url.PathEscape(managerID) + "/insights"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// AddTeamMember attaches userID to a manager's team.
func (c *Client) AddTeamMember(ctx context.Context, managerID, userID string) error {
	body := map[string]string{"user_id": userID}
	path := "/api/team/" + url.PathEscape(managerID) + "/members"
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// WatchEvents streams server-sent events to handle until ctx ends or the
// stream drops. Cancellation is a clean stop, not an error.
func (c *Client) WatchEvents(ctx context.Context, userID string, handle func(Event)) error {
	path := "/api/events"
	if userID != "" {
		path += "?user_id=" + url.QueryEscape(userID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// The stream stays open indefinitely, so it cannot share the timed
	// client used for request/response calls.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ev Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if ev.Name != "" || ev.Data != "" {
				handle(ev)
				ev = Event{}
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return errorFromResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorFromResponse(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error    string `json:"error"`
		Sent     int    `json:"sent"`
		Required int    `json:"required"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Message = body.Error
		apiErr.Sent = body.Sent
		apiErr.Required = body.Required
	}
	return apiErr
}
