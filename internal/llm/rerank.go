package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RerankCandidate is the context handed to the model for one candidate.
// Free-text fields are sanitized before prompting; they are author
// supplied and untrusted.
type RerankCandidate struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Status          string   `json:"status"`
	AuthorClass     string   `json:"author_class"`
	SuccessRate     float64  `json:"success_rate"`
	ExecutionCount  int      `json:"execution_count"`
	QualityScore    int      `json:"quality_score"`
	Prerequisites   []string `json:"prerequisites,omitempty"`
	QualityFeedback []string `json:"quality_feedback,omitempty"`
}

// RankedItem is the model's verdict for one candidate.
type RankedItem struct {
	ID         string  `json:"id"`
	Rank       int     `json:"rank"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// BuildRerankPrompt assembles the re-ranking prompt. The model sees the
// structured intent and full candidate context; embedding similarity
// alone cannot weigh trust tiers, staleness, or fit to the stated use
// case.
func BuildRerankPrompt(intent any, candidates []RerankCandidate) (string, error) {
	if len(candidates) == 0 {
		return "", errors.New("candidates required")
	}
	sanitized := make([]RerankCandidate, len(candidates))
	for i, c := range candidates {
		c.Name = SanitizePromptInput(c.Name)
		c.Description = SanitizePromptInput(c.Description)
		if len(c.Prerequisites) > 0 {
			prereqs := make([]string, len(c.Prerequisites))
			for j, p := range c.Prerequisites {
				prereqs[j] = SanitizePromptInput(p)
			}
			c.Prerequisites = prereqs
		}
		sanitized[i] = c
	}
	intentJSON, err := json.Marshal(intent)
	if err != nil {
		return "", err
	}
	candidateJSON, err := json.Marshal(sanitized)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"You rank operational playbooks for an automation engine.\n"+
			"Intent:\n%s\nCandidates:\n%s\n"+
			"Order the candidates best-first for this intent, preferring trusted and well-maintained playbooks over textually similar but stale or unreviewed ones.\n"+
			"Return JSON only, an array with one entry per candidate:\n"+
			`[{"id":string,"rank":number,"confidence":number between 0 and 1,"reason":string}]`,
		string(intentJSON),
		string(candidateJSON),
	), nil
}

// ParseRanking extracts the ranked list from a model response,
// tolerating fenced code blocks and surrounding prose. Entries with
// unknown ids are dropped; results come back sorted by rank.
func ParseRanking(raw string, knownIDs []string) ([]RankedItem, error) {
	payload := extractJSONArray(raw)
	if payload == "" {
		return nil, errors.New("no JSON array in response")
	}
	var items []RankedItem
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = true
	}
	out := items[:0]
	for _, item := range items {
		if !known[item.ID] {
			continue
		}
		if item.Confidence < 0 {
			item.Confidence = 0
		}
		if item.Confidence > 1 {
			item.Confidence = 1
		}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil, errors.New("ranking matched no known candidates")
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// extractJSONArray pulls the first top-level JSON array out of text that
// may wrap it in markdown fences or prose.
func extractJSONArray(raw string) string {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.Index(s, "[")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
