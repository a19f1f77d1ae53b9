// Package analysis invokes the external session-analysis service after a
// conversation completes.
package analysis

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tiktoken-go/tokenizer"
	"golang.org/x/sync/singleflight"

	"github.com/solace-ai/solace/internal/privacy"
	"github.com/solace-ai/solace/pkg/models"
)

// ErrNotConfigured is returned when no service URL is set. The completed
// conversation keeps its status; it just never gets insights.
var ErrNotConfigured = errors.New("analysis service not configured")

// Request is the payload posted to the analysis service.
type Request struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Transcript     string `json:"transcript"`
}

// Response is the analysis service's insights payload.
type Response struct {
	Summary         string             `json:"summary"`
	KeyInsights     []string           `json:"keyInsights"`
	Ocean           models.OceanScores `json:"ocean"`
	Recommendations []string           `json:"recommendations"`
}

// Client posts completed-session transcripts to the analysis service.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokenBudget int
	redactTerms []string
	codec       tokenizer.Codec
	group       singleflight.Group
}

// NewClient creates an analysis client. An empty baseURL disables it.
func NewClient(baseURL string, timeout time.Duration, tokenBudget int, redactTerms []string) (*Client, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if tokenBudget <= 0 {
		tokenBudget = 6000
	}

	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
		tokenBudget: tokenBudget,
		redactTerms: redactTerms,
		codec:       codec,
	}, nil
}

// Analyze derives insights for a completed conversation. Concurrent calls
// for the same conversation share a single service invocation.
func (c *Client) Analyze(ctx context.Context, conversationID, userID string, messages []*models.Message) (*models.SessionInsights, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	v, err, _ := c.group.Do(conversationID, func() (interface{}, error) {
		return c.analyze(ctx, conversationID, userID, messages)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.SessionInsights), nil
}

func (c *Client) analyze(ctx context.Context, conversationID, userID string, messages []*models.Message) (*models.SessionInsights, error) {
	body, err := json.Marshal(Request{
		ConversationID: conversationID,
		UserID:         userID,
		Transcript:     c.BuildTranscript(messages),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke analysis service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("analysis service returned status %d", resp.StatusCode)
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}

	insights := models.NewSessionInsights(conversationID, userID)
	insights.Summary = sql.NullString{String: parsed.Summary, Valid: parsed.Summary != ""}
	insights.KeyInsights = models.JSONStringArray(parsed.KeyInsights)
	insights.Ocean = parsed.Ocean
	insights.Recommendations = models.JSONStringArray(parsed.Recommendations)
	return insights, nil
}

// BuildTranscript renders the conversation oldest-to-newest with redaction
// applied, dropping the oldest turns until the result fits the token
// budget. The budget is soft: counts are per line, and the newest message
// is always kept.
func (c *Client) BuildTranscript(messages []*models.Message) string {
	lines := make([]string, 0, len(messages))
	counts := make([]int, 0, len(messages))
	for _, msg := range messages {
		role := "User"
		if msg.IsAssistant() {
			role = "Assistant"
		}
		line := role + ": " + privacy.RedactWithTerms(msg.Content, c.redactTerms)
		count, err := c.codec.Count(line)
		if err != nil {
			count = len(line) / 4
		}
		lines = append(lines, line)
		counts = append(counts, count+1)
	}

	start := len(lines)
	total := 0
	for i := len(lines) - 1; i >= 0; i-- {
		if total+counts[i] > c.tokenBudget && start < len(lines) {
			break
		}
		total += counts[i]
		start = i
	}
	return strings.Join(lines[start:], "\n")
}
