package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIBase = "https://api.openai.com"

// OpenAIClient calls an OpenAI-compatible /v1/embeddings endpoint.
type OpenAIClient struct {
	APIBase    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("embeddings api key required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return nil, errors.New("embeddings model required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text required")
	}
	base := strings.TrimRight(strings.TrimSpace(c.APIBase), "/")
	if base == "" {
		base = defaultOpenAIBase
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	body, err := json.Marshal(embeddingRequest{Model: c.Model, Input: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embeddings status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, errors.New("embeddings empty response")
	}
	return out.Data[0].Embedding, nil
}
