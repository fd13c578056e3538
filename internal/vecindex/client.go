package vecindex

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

// Client talks to a Qdrant-compatible vector index over HTTP.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Condition is one metadata predicate in a filter. Exactly one of
// MatchValue or MatchAny should be set.
type Condition struct {
	Key        string
	MatchValue string
	MatchAny   []string
}

// Filter restricts a search to points whose payload satisfies every
// condition.
type Filter struct {
	Must []Condition
}

// Point is one scored search hit.
type Point struct {
	ID      string          `json:"id"`
	Score   float64         `json:"score"`
	Payload json.RawMessage `json:"payload"`
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return errors.New("vector index base url required")
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("api-key", c.APIKey)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("vector index status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// EnsureCollection creates a collection with the given vector size.
// An already-existing collection is not an error.
func (c *Client) EnsureCollection(ctx context.Context, name string, dims int) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("collection name required")
	}
	if dims <= 0 {
		return errors.New("dims must be positive")
	}
	body := map[string]any{
		"vectors": map[string]any{"size": dims, "distance": "Cosine"},
	}
	err := c.do(ctx, http.MethodPut, "/collections/"+name, body, nil)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

// Upsert writes or replaces one point. Re-upserting the same id with the
// same content is idempotent by construction.
func (c *Client) Upsert(ctx context.Context, collection, id string, vector []float32, payload any) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("point id required")
	}
	if len(vector) == 0 {
		return errors.New("vector required")
	}
	body := map[string]any{
		"points": []map[string]any{
			{"id": id, "vector": vector, "payload": payload},
		},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
}

type searchResponse struct {
	Result []Point `json:"result"`
}

// Search returns the top scored points under the filter. A missing
// collection yields an empty result rather than an error, so tenants
// without a private collection fall through cleanly.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int) ([]Point, error) {
	if len(vector) == 0 {
		return nil, errors.New("vector required")
	}
	if limit <= 0 {
		limit = 10
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if encoded := encodeFilter(filter); encoded != nil {
		body["filter"] = encoded
	}
	var out searchResponse
	err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &out)
	if err != nil {
		if strings.Contains(err.Error(), "status 404") {
			return nil, nil
		}
		return nil, err
	}
	return out.Result, nil
}

// Delete removes one point by id.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("point id required")
	}
	body := map[string]any{"points": []string{id}}
	return c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil)
}

func encodeFilter(filter Filter) map[string]any {
	if len(filter.Must) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(filter.Must))
	for _, cond := range filter.Must {
		if cond.Key == "" {
			continue
		}
		var match map[string]any
		if len(cond.MatchAny) > 0 {
			match = map[string]any{"any": cond.MatchAny}
		} else {
			match = map[string]any{"value": cond.MatchValue}
		}
		must = append(must, map[string]any{"key": cond.Key, "match": match})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}
