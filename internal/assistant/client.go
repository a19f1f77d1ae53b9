// Package assistant invokes the external language-model service.
//
// The service does not return the reply synchronously: it writes the
// assistant's message back through the messages API, which lands it in the
// store and on the change feed. Callers wait for the relay (or its polling
// fallback) to deliver it.
package assistant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/solace-ai/solace/internal/privacy"
	"github.com/solace-ai/solace/pkg/models"
)

// ErrNotConfigured is returned when no service URL is set. Sessions still
// work; the user just never hears back and the waiting flag clears through
// the bounded poll.
var ErrNotConfigured = errors.New("assistant service not configured")

// Request is the payload posted to the language-model service.
type Request struct {
	Message        string              `json:"message"`
	ConversationID string              `json:"conversationId"`
	UserID         string              `json:"userId"`
	IsFirstMessage bool                `json:"isFirstMessage"`
	SessionContext *models.SessionData `json:"sessionContext,omitempty"`
}

// Client posts conversation turns to the language-model service.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	redactTerms []string
}

// NewClient creates an assistant client. An empty baseURL disables it.
func NewClient(baseURL string, timeout time.Duration, redactTerms []string) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
		redactTerms: redactTerms,
	}
}

// Invoke sends one turn to the service. The message text is redacted
// before it leaves the process.
func (c *Client) Invoke(ctx context.Context, req Request) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	req.Message = privacy.RedactWithTerms(req.Message, c.redactTerms)

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal assistant request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build assistant request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("invoke assistant service: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("assistant service returned status %d", resp.StatusCode)
	}
	return nil
}
