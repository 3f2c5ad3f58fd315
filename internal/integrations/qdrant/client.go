// Package qdrant is a minimal REST client for Qdrant similarity search.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError captures non-2xx responses.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("qdrant: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// Client queries a single collection.
type Client struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("qdrant: url must not be empty")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, errors.New("qdrant: collection must not be empty")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:        base,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// Match is an exact payload match condition.
type Match struct {
	Key   string
	Value string
}

// SearchRequest describes a similarity query. Must conditions are ANDed.
type SearchRequest struct {
	Vector         []float64
	Limit          int
	ScoreThreshold float64
	Must           []Match
}

// Point is a scored search hit.
type Point struct {
	ID      string
	Score   float64
	Payload map[string]any
}

type searchBody struct {
	Vector         []float64 `json:"vector"`
	Limit          int       `json:"limit"`
	WithPayload    bool      `json:"with_payload"`
	ScoreThreshold *float64  `json:"score_threshold,omitempty"`
	Filter         *filter   `json:"filter,omitempty"`
}

type filter struct {
	Must []condition `json:"must"`
}

type condition struct {
	Key   string     `json:"key"`
	Match matchValue `json:"match"`
}

type matchValue struct {
	Value string `json:"value"`
}

func (c *Client) Search(ctx context.Context, in SearchRequest) ([]Point, error) {
	if len(in.Vector) == 0 {
		return nil, errors.New("qdrant: empty query vector")
	}
	body := searchBody{
		Vector:      in.Vector,
		Limit:       in.Limit,
		WithPayload: true,
	}
	if body.Limit <= 0 {
		body.Limit = 5
	}
	if in.ScoreThreshold > 0 {
		body.ScoreThreshold = &in.ScoreThreshold
	}
	if len(in.Must) > 0 {
		body.Filter = &filter{}
		for _, m := range in.Must {
			body.Filter.Must = append(body.Filter.Must, condition{Key: m.Key, Match: matchValue{Value: m.Value}})
		}
	}

	var resp struct {
		Result []struct {
			ID      json.RawMessage `json:"id"`
			Score   float64         `json:"score"`
			Payload map[string]any  `json:"payload"`
		} `json:"result"`
	}
	endpoint := fmt.Sprintf("%s/collections/%s/points/search", c.url, url.PathEscape(c.collection))
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, err
	}

	points := make([]Point, 0, len(resp.Result))
	for _, r := range resp.Result {
		points = append(points, Point{ID: pointID(r.ID), Score: r.Score, Payload: r.Payload})
	}
	return points, nil
}

// Ping checks that the collection exists.
func (c *Client) Ping(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/collections/%s", c.url, url.PathEscape(c.collection))
	return c.do(ctx, http.MethodGet, endpoint, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("qdrant: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("qdrant: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant: %s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, URL: endpoint, Body: string(buf)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("qdrant: decode response: %w", err)
		}
	}
	return nil
}

// pointID renders numeric and UUID point ids as strings.
func pointID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
