package llm

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Completer is the model boundary used by the re-ranking stage.
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Router dispatches completions to the configured provider with a fixed
// retry budget. Failures here are never fatal to a search request; the
// caller degrades to its deterministic ordering.
type Router struct {
	Provider       string
	Model          string
	APIBase        string
	APIKey         string
	MaxTokens      int
	MaxRetries     int
	HTTPClient     *http.Client
	RedactPatterns []string
}

func (r *Router) Complete(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("prompt required")
	}
	if len(r.RedactPatterns) > 0 {
		prompt = Redact(prompt, r.RedactPatterns)
	}
	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	client, err := r.client()
	if err != nil {
		return "", err
	}
	retries := r.MaxRetries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, err := client.Complete(ctx, prompt, maxTokens)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt < retries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
			}
		}
	}
	return "", lastErr
}

func (r *Router) client() (Completer, error) {
	provider := strings.ToLower(strings.TrimSpace(r.Provider))
	switch provider {
	case "openai":
		return &OpenAIClient{APIBase: r.APIBase, APIKey: r.APIKey, Model: r.Model, HTTPClient: r.HTTPClient}, nil
	case "anthropic":
		return &AnthropicClient{APIBase: r.APIBase, APIKey: r.APIKey, Model: r.Model, HTTPClient: r.HTTPClient}, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}

func Redact(input string, patterns []string) string {
	out := input
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		out = re.ReplaceAllString(out, "[REDACTED]")
	}
	return strings.TrimSpace(out)
}

// injectionPatterns matches common prompt injection attempts in external
// data. Candidate playbook descriptions are author-supplied text and go
// through here before entering a prompt.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?above\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?previous`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?previous`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+a`),
	regexp.MustCompile(`(?i)new\s+instructions?\s*:`),
	regexp.MustCompile(`(?i)system\s*:\s*you`),
	regexp.MustCompile(`(?i)<<\s*SYS\s*>>`),
	regexp.MustCompile(`(?i)\[INST\]`),
	regexp.MustCompile(`(?i)\[/INST\]`),
	regexp.MustCompile(`(?i)<\|im_start\|>`),
	regexp.MustCompile(`(?i)<\|im_end\|>`),
}

// SanitizePromptInput cleans external data before including it in
// prompts. It strips control characters and known injection patterns.
func SanitizePromptInput(input string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)

	for _, re := range injectionPatterns {
		cleaned = re.ReplaceAllString(cleaned, "[FILTERED]")
	}

	return cleaned
}
