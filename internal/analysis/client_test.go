package analysis

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solace-ai/solace/pkg/models"
)

func testMessages(conversationID string) []*models.Message {
	return []*models.Message{
		models.NewUserMessage(conversationID, "I keep taking on too much at work"),
		models.NewAssistantMessage(conversationID, "What makes it hard to say no?"),
		models.NewUserMessage(conversationID, "I worry my manager will think less of me"),
	}
}

// TestClient_Analyze tests the full request/response roundtrip.
func TestClient_Analyze(t *testing.T) {
	var received Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		json.NewEncoder(w).Encode(Response{
			Summary:     "Explored boundaries at work",
			KeyInsights: []string{"ties self-worth to approval"},
			Ocean: models.OceanScores{
				Openness:          0.6,
				Conscientiousness: 0.8,
				Extraversion:      0.4,
				Agreeableness:     0.9,
				Neuroticism:       0.7,
			},
			Recommendations: []string{"practice one small no this week"},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 5*time.Second, 6000, nil)
	require.NoError(t, err)

	insights, err := client.Analyze(context.Background(), "conv-1", "user-1", testMessages("conv-1"))
	require.NoError(t, err)

	assert.Equal(t, "conv-1", received.ConversationID)
	assert.Equal(t, "user-1", received.UserID)
	assert.Contains(t, received.Transcript, "User: I keep taking on too much at work")
	assert.Contains(t, received.Transcript, "Assistant: What makes it hard to say no?")

	assert.Equal(t, "conv-1", insights.ConversationID)
	assert.Equal(t, "user-1", insights.UserID)
	assert.True(t, insights.Summary.Valid)
	assert.Equal(t, "Explored boundaries at work", insights.Summary.String)
	assert.Equal(t, models.JSONStringArray{"ties self-worth to approval"}, insights.KeyInsights)
	assert.InDelta(t, 0.9, insights.Ocean.Agreeableness, 0.001)
	assert.NotEmpty(t, insights.GeneratedAt)
	assert.NotZero(t, insights.GeneratedAtEpoch)
}

// TestClient_AnalyzeEmptySummary tests that a blank summary stays null.
func TestClient_AnalyzeEmptySummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{KeyInsights: []string{"one"}})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 5*time.Second, 6000, nil)
	require.NoError(t, err)

	insights, err := client.Analyze(context.Background(), "conv-2", "user-1", testMessages("conv-2"))
	require.NoError(t, err)
	assert.False(t, insights.Summary.Valid)
}

// TestClient_AnalyzeRedactsTranscript tests that private spans and
// configured terms never reach the service.
func TestClient_AnalyzeRedactsTranscript(t *testing.T) {
	var received Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(Response{})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 5*time.Second, 6000, []string{"Acme"})
	require.NoError(t, err)

	messages := []*models.Message{
		models.NewUserMessage("conv-3", "My boss at Acme said <private>I might be fired</private>"),
	}
	_, err = client.Analyze(context.Background(), "conv-3", "user-1", messages)
	require.NoError(t, err)

	assert.NotContains(t, received.Transcript, "Acme")
	assert.NotContains(t, received.Transcript, "fired")
	assert.Contains(t, received.Transcript, "[redacted]")
}

// TestClient_AnalyzeServerError tests that service failures surface as errors.
func TestClient_AnalyzeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 5*time.Second, 6000, nil)
	require.NoError(t, err)

	_, err = client.Analyze(context.Background(), "conv-4", "user-1", testMessages("conv-4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

// TestClient_AnalyzeNotConfigured tests the disabled-client path.
func TestClient_AnalyzeNotConfigured(t *testing.T) {
	client, err := NewClient("", 5*time.Second, 6000, nil)
	require.NoError(t, err)

	_, err = client.Analyze(context.Background(), "conv-5", "user-1", nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}

// TestClient_AnalyzeDeduplicates tests that concurrent calls for the same
// conversation share one service invocation.
func TestClient_AnalyzeDeduplicates(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		json.NewEncoder(w).Encode(Response{Summary: "shared"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 5*time.Second, 6000, nil)
	require.NoError(t, err)

	messages := testMessages("conv-6")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			insights, err := client.Analyze(context.Background(), "conv-6", "user-1", messages)
			assert.NoError(t, err)
			assert.Equal(t, "shared", insights.Summary.String)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
}

// TestClient_BuildTranscriptTrimsOldest tests the token budget cut.
func TestClient_BuildTranscriptTrimsOldest(t *testing.T) {
	client, err := NewClient("http://unused", 5*time.Second, 12, nil)
	require.NoError(t, err)

	messages := []*models.Message{
		models.NewUserMessage("conv-7", "ancient opening remarks about commuting and traffic"),
		models.NewAssistantMessage("conv-7", "middle reply exploring that in much more detail"),
		models.NewUserMessage("conv-7", "newest thought"),
	}
	transcript := client.BuildTranscript(messages)

	assert.Contains(t, transcript, "newest thought")
	assert.NotContains(t, transcript, "ancient opening")
	assert.True(t, strings.HasSuffix(transcript, "User: newest thought"))
}

// TestClient_BuildTranscriptKeepsNewest tests that an oversized newest
// message is still sent rather than producing an empty transcript.
func TestClient_BuildTranscriptKeepsNewest(t *testing.T) {
	client, err := NewClient("http://unused", 5*time.Second, 1, nil)
	require.NoError(t, err)

	messages := []*models.Message{
		models.NewUserMessage("conv-8", "this single message is far larger than one token"),
	}
	transcript := client.BuildTranscript(messages)
	assert.Contains(t, transcript, "far larger than one token")
}

// TestClient_BuildTranscriptFitsAll tests that a generous budget keeps the
// whole conversation in order.
func TestClient_BuildTranscriptFitsAll(t *testing.T) {
	client, err := NewClient("http://unused", 5*time.Second, 6000, nil)
	require.NoError(t, err)

	transcript := client.BuildTranscript(testMessages("conv-9"))
	lines := strings.Split(transcript, "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "User: I keep taking on"))
	assert.True(t, strings.HasPrefix(lines[1], "Assistant: "))
}
