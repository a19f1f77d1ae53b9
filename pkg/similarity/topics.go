// Package similarity provides text similarity and topic extraction utilities.
package similarity

import (
	"sort"
	"strings"

	"github.com/solace-ai/solace/pkg/models"
)

// concernSimilarityThreshold groups user messages that talk about the same
// thing when condensing concerns for the pause context.
const concernSimilarityThreshold = 0.3

// topicWindow is how many recent user messages feed the topic label.
const topicWindow = 3

// snippetMaxLen caps concern snippets taken from user messages.
const snippetMaxLen = 80

// TopTopic derives a short label for what the user was last talking about,
// from the most recent user messages. Terms are ranked by frequency with
// ties broken towards the most recent mention. Falls back to a snippet of
// the last user message when nothing rankable remains.
func TopTopic(messages []*models.Message, maxTerms int) string {
	if maxTerms <= 0 {
		maxTerms = 3
	}

	recent := recentUserMessages(messages, topicWindow)
	if len(recent) == 0 {
		return ""
	}

	type termRank struct {
		term      string
		count     int
		firstSeen int
	}

	counts := make(map[string]*termRank)
	position := 0
	for _, msg := range recent {
		terms := ExtractTerms(msg.Content)
		sorted := make([]string, 0, len(terms))
		for term := range terms {
			sorted = append(sorted, term)
		}
		sort.Strings(sorted)
		for _, term := range sorted {
			if rank, ok := counts[term]; ok {
				rank.count++
			} else {
				counts[term] = &termRank{term: term, count: 1, firstSeen: position}
			}
			position++
		}
	}

	if len(counts) == 0 {
		return snippet(recent[0].Content)
	}

	ranked := make([]*termRank, 0, len(counts))
	for _, rank := range counts {
		ranked = append(ranked, rank)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		if ranked[i].firstSeen != ranked[j].firstSeen {
			return ranked[i].firstSeen < ranked[j].firstSeen
		}
		return ranked[i].term < ranked[j].term
	})

	if len(ranked) > maxTerms {
		ranked = ranked[:maxTerms]
	}
	terms := make([]string, len(ranked))
	for i, rank := range ranked {
		terms[i] = rank.term
	}
	return strings.Join(terms, " ")
}

// CondenseConcerns reduces the user's messages to a handful of distinct
// concern snippets for the pause context. Messages about the same thing
// collapse into one entry, keeping the most recent phrasing.
func CondenseConcerns(messages []*models.Message, maxConcerns int) []string {
	if maxConcerns <= 0 {
		maxConcerns = 3
	}

	user := recentUserMessages(messages, 0)
	if len(user) == 0 {
		return nil
	}

	// Extract terms for each message
	termSets := make([]map[string]bool, len(user))
	for i, msg := range user {
		termSets[i] = ExtractTerms(msg.Content)
	}

	// Track which messages are already clustered
	clustered := make([]bool, len(user))
	concerns := make([]string, 0, maxConcerns)

	for i := 0; i < len(user) && len(concerns) < maxConcerns; i++ {
		if clustered[i] {
			continue
		}

		// This message becomes the representative of its cluster
		// (messages are newest first, so the latest phrasing is kept)
		concerns = append(concerns, snippet(user[i].Content))
		clustered[i] = true

		for j := i + 1; j < len(user); j++ {
			if clustered[j] {
				continue
			}
			if JaccardSimilarity(termSets[i], termSets[j]) >= concernSimilarityThreshold {
				clustered[j] = true
			}
		}
	}

	return concerns
}

// recentUserMessages returns the user's messages newest first, capped at
// limit when limit > 0.
func recentUserMessages(messages []*models.Message, limit int) []*models.Message {
	result := make([]*models.Message, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] == nil || messages[i].Role != models.MessageRoleUser {
			continue
		}
		if strings.TrimSpace(messages[i].Content) == "" {
			continue
		}
		result = append(result, messages[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

// snippet trims a message down to a short concern label, cutting on a word
// boundary.
func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= snippetMaxLen {
		return text
	}
	cut := strings.LastIndex(text[:snippetMaxLen], " ")
	if cut <= 0 {
		cut = snippetMaxLen
	}
	return text[:cut] + "..."
}

// ExtractTerms tokenizes text and returns the set of meaningful terms.
func ExtractTerms(text string) map[string]bool {
	terms := make(map[string]bool)

	// Simple tokenization: split on non-alphanumeric, filter short words
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_')
	})

	stopWords := map[string]bool{
		"the": true, "a": true, "an": true, "is": true, "are": true,
		"was": true, "were": true, "be": true, "been": true, "being": true,
		"have": true, "has": true, "had": true, "do": true, "does": true,
		"did": true, "will": true, "would": true, "could": true, "should": true,
		"may": true, "might": true, "must": true, "shall": true,
		"this": true, "that": true, "these": true, "those": true,
		"and": true, "or": true, "but": true, "if": true, "then": true,
		"for": true, "from": true, "with": true, "about": true, "into": true,
		"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
		"it": true, "its": true, "which": true, "who": true, "what": true,
		"when": true, "where": true, "how": true, "why": true,
		"feel": true, "feeling": true, "really": true, "just": true,
		"like": true, "know": true, "think": true,
	}

	for _, word := range words {
		if len(word) >= 3 && !stopWords[word] {
			terms[word] = true
		}
	}

	return terms
}

// JaccardSimilarity calculates the Jaccard similarity between two term sets.
// Returns a value between 0 (no overlap) and 1 (identical).
func JaccardSimilarity(set1, set2 map[string]bool) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for term := range set1 {
		if set2[term] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}
