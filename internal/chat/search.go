package chat

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/alexjbarnes/chatsync/internal/models"
)

const (
	defaultSearchResults = 20

	// snippetContext is the number of bytes kept on each side of a match.
	snippetContext = 50
)

// SearchMatch is a single search result.
type SearchMatch struct {
	Conversation string `json:"conversation"`
	ID           string `json:"id"`
	MatchType    string `json:"match_type"`
	Snippet      string `json:"snippet"`
	Time         int64  `json:"time"`
}

// SearchResult is the response for searching open conversations.
type SearchResult struct {
	Query        string        `json:"query"`
	TotalMatches int           `json:"total_matches"`
	Results      []SearchMatch `json:"results"`
}

// Search performs a case-insensitive search across the open
// conversations. Attachment names are matched first, then message
// bodies. Within each phase newer messages come first.
func (c *Coordinator) Search(query string, maxResults int) *SearchResult {
	if maxResults <= 0 {
		maxResults = defaultSearchResults
	}

	result := &SearchResult{Query: query, Results: []SearchMatch{}}

	lowerQuery := strings.ToLower(strings.TrimSpace(query))
	if lowerQuery == "" {
		return result
	}

	var msgs []models.Message

	for _, ref := range c.OpenConversations() {
		snap, err := c.Snapshot(ref)
		if err != nil {
			continue
		}

		msgs = append(msgs, snap...)
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Time > msgs[j].Time })

	seen := make(map[string]bool)
	key := func(m models.Message) string { return m.Conversation.Topic() + "/" + m.ID }

	// Phase 1: attachment names.
	for _, m := range msgs {
		if len(result.Results) >= maxResults {
			break
		}

		name := m.AttachmentName()
		if name == "" || !strings.Contains(strings.ToLower(name), lowerQuery) {
			continue
		}

		result.Results = append(result.Results, SearchMatch{
			Conversation: m.Conversation.String(),
			ID:           m.ID,
			MatchType:    "attachment",
			Snippet:      name,
			Time:         m.Time,
		})
		seen[key(m)] = true
	}

	// Phase 2: bodies.
	for _, m := range msgs {
		if len(result.Results) >= maxResults {
			break
		}

		if seen[key(m)] {
			continue
		}

		snippet, ok := matchSnippet(m.Body, lowerQuery)
		if !ok {
			continue
		}

		result.Results = append(result.Results, SearchMatch{
			Conversation: m.Conversation.String(),
			ID:           m.ID,
			MatchType:    "body",
			Snippet:      snippet,
			Time:         m.Time,
		})
	}

	result.TotalMatches = len(result.Results)

	return result
}

// matchSnippet finds lowerQuery in body and returns the match with some
// surrounding context, the match wrapped in **.
func matchSnippet(body, lowerQuery string) (string, bool) {
	lowerBody := strings.ToLower(body)

	idx := strings.Index(lowerBody, lowerQuery)
	if idx < 0 {
		return "", false
	}

	// Lowercasing can change byte lengths for some scripts; offsets are
	// only valid on the original when lengths agree.
	if len(lowerBody) != len(body) {
		return truncateBody(body, 2*snippetContext), true
	}

	return buildSnippet(body, idx, len(lowerQuery)), true
}

func buildSnippet(line string, matchStart, matchLen int) string {
	start := max(matchStart-snippetContext, 0)
	for start > 0 && !utf8.RuneStart(line[start]) {
		start--
	}

	end := min(matchStart+matchLen+snippetContext, len(line))
	for end < len(line) && !utf8.RuneStart(line[end]) {
		end++
	}

	prefix := ""
	if start > 0 {
		prefix = "..."
	}

	suffix := ""
	if end < len(line) {
		suffix = "..."
	}

	before := line[start:matchStart]
	matched := line[matchStart : matchStart+matchLen]
	after := line[matchStart+matchLen : end]

	return prefix + before + "**" + matched + "**" + after + suffix
}

func truncateBody(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}

	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut] + "..."
}
