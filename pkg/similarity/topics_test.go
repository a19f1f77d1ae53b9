// Package similarity provides text similarity and topic extraction utilities.
package similarity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/solace-ai/solace/pkg/models"
)

func userMsg(content string) *models.Message {
	return models.NewUserMessage("conv-1", content)
}

func assistantMsg(content string) *models.Message {
	return models.NewAssistantMessage("conv-1", content)
}

func TestJaccardSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		set1     map[string]bool
		set2     map[string]bool
		expected float64
	}{
		{
			name:     "identical sets",
			set1:     map[string]bool{"a": true, "b": true, "c": true},
			set2:     map[string]bool{"a": true, "b": true, "c": true},
			expected: 1.0,
		},
		{
			name:     "no overlap",
			set1:     map[string]bool{"a": true, "b": true},
			set2:     map[string]bool{"c": true, "d": true},
			expected: 0.0,
		},
		{
			name:     "partial overlap",
			set1:     map[string]bool{"a": true, "b": true, "c": true},
			set2:     map[string]bool{"b": true, "c": true, "d": true},
			expected: 0.5, // intersection=2, union=4
		},
		{
			name:     "empty sets",
			set1:     map[string]bool{},
			set2:     map[string]bool{},
			expected: 1.0,
		},
		{
			name:     "one empty set",
			set1:     map[string]bool{"a": true},
			set2:     map[string]bool{},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := JaccardSimilarity(tt.set1, tt.set2)
			assert.InDelta(t, tt.expected, result, 0.001)
		})
	}
}

func TestExtractTerms(t *testing.T) {
	terms := ExtractTerms("My manager keeps rescheduling our one_on_one meetings")

	assert.Contains(t, terms, "manager")
	assert.Contains(t, terms, "rescheduling")
	assert.Contains(t, terms, "meetings")
	assert.Contains(t, terms, "one_on_one")

	// Stop words and short words are dropped
	assert.NotContains(t, terms, "my")
	assert.NotContains(t, terms, "our")
}

func TestExtractTerms_StopWordsOnly(t *testing.T) {
	terms := ExtractTerms("it is what it is")
	assert.Empty(t, terms)
}

func TestTopTopic(t *testing.T) {
	tests := []struct {
		name     string
		messages []*models.Message
		contains []string
	}{
		{
			name: "repeated theme dominates",
			messages: []*models.Message{
				userMsg("My workload keeps growing every sprint"),
				assistantMsg("That sounds exhausting. What changed?"),
				userMsg("The workload doubled after the reorg"),
				userMsg("I can't keep up with the workload anymore"),
			},
			contains: []string{"workload"},
		},
		{
			name: "assistant messages don't steer the topic",
			messages: []*models.Message{
				userMsg("I'm worried about the deadline"),
				assistantMsg("Let's talk about your vacation plans instead"),
			},
			contains: []string{"deadline"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic := TopTopic(tt.messages, 3)
			for _, want := range tt.contains {
				assert.Contains(t, topic, want)
			}
		})
	}
}

func TestTopTopic_NoUserMessages(t *testing.T) {
	assert.Empty(t, TopTopic(nil, 3))
	assert.Empty(t, TopTopic([]*models.Message{assistantMsg("hello, how can I help?")}, 3))
}

func TestTopTopic_FallsBackToSnippet(t *testing.T) {
	// Nothing survives term extraction, so the raw message is the label.
	topic := TopTopic([]*models.Message{userMsg("it is so so")}, 3)
	assert.Equal(t, "it is so so", topic)
}

func TestCondenseConcerns(t *testing.T) {
	messages := []*models.Message{
		userMsg("My manager ignores my project updates during standup"),
		assistantMsg("How long has that been going on?"),
		userMsg("The manager ignores my project updates every standup meeting"),
		userMsg("Separately, I'm not sleeping well before releases"),
	}

	concerns := CondenseConcerns(messages, 3)

	// The two manager messages collapse into one concern, newest phrasing kept.
	assert.Len(t, concerns, 2)
	assert.Contains(t, concerns[0], "sleeping")
	assert.Contains(t, concerns[1], "manager ignores")
}

func TestCondenseConcerns_CapsCount(t *testing.T) {
	messages := []*models.Message{
		userMsg("alpha topic entirely unique words"),
		userMsg("bravo subject completely different phrasing"),
		userMsg("charlie matter wholly distinct content"),
		userMsg("delta theme utterly separate sentences"),
	}

	concerns := CondenseConcerns(messages, 2)
	assert.Len(t, concerns, 2)
}

func TestCondenseConcerns_NoUserMessages(t *testing.T) {
	assert.Nil(t, CondenseConcerns([]*models.Message{assistantMsg("hi")}, 3))
}

func TestSnippet_CutsOnWordBoundary(t *testing.T) {
	long := strings.Repeat("troubles ", 20)
	concerns := CondenseConcerns([]*models.Message{userMsg(long)}, 1)

	assert.Len(t, concerns, 1)
	assert.LessOrEqual(t, len(concerns[0]), snippetMaxLen+3)
	assert.True(t, strings.HasSuffix(concerns[0], "..."))
	assert.NotContains(t, concerns[0], "  ")
}
