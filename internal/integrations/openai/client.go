package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"knowledge-agent/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	Temperature    *float64             `json:"temperature,omitempty"`
	Stream         bool                 `json:"stream,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Index   int                `json:"index"`
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
}

// chatChunk is one server-sent event of a streamed completion.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string

	retryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Schema names a JSON schema for structured chat output.
type Schema struct {
	Name       string
	Definition json.RawMessage
}

// Client is a focused OpenAI-compatible client for chat completions and embeddings.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	getter       Getter
	paramPrefix  string
	temperature  *float64
	maxRetries   int
	sleep        func(ctx context.Context, d time.Duration) error

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithHTTPClient replaces the HTTP client for both whole-shot and streamed calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
		c.streamClient = httpClient
	}
}

// WithAPIKey sets a static key; the paramstore is not consulted.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

// WithMaxRetries bounds embedding retries on 429 and 5xx responses.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// NewClient creates a new Client. Unless WithAPIKey is given, the API key is
// fetched from the paramstore on the first call and reused for the lifetime
// of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
		getter:       ps,
		paramPrefix:  strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
		maxRetries:   3,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey != "" {
		return c, nil
	}
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil without an API key")
	}
	if c.paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	return c, nil
}

// resolveAPIKey fetches the API key from SSM on the first call and returns the
// cached result on every subsequent call within the same process lifetime.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		if c.apiKey != "" {
			return
		}
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 30s timeout if none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

func chatURL(baseURL string) string {
	return endpointURL(baseURL, "/chat/completions")
}

func embeddingsURL(baseURL string) string {
	return endpointURL(baseURL, "/embeddings")
}

func moderationURL(baseURL string) string {
	return endpointURL(baseURL, "/moderations")
}

// Moderate reports whether input is flagged by the Moderations endpoint.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	url := moderationURL(c.baseURL)
	req, err := c.newRequest(ctx, url, moderationRequest{Input: input})
	if err != nil {
		return false, err
	}
	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return false, fmt.Errorf("openai: moderation request failed: %w", err)
	}
	var payload moderationResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false, fmt.Errorf("openai: decode moderation response: %w", err)
	}
	if len(payload.Results) == 0 {
		return false, errors.New("openai: no moderation results")
	}
	return payload.Results[0].Flagged, nil
}

// Chat returns the assistant text for a plain completion.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	return c.chat(ctx, chatRequest{Model: model, Messages: messages, Temperature: c.temperature})
}

// ChatStructured constrains the completion to the given JSON schema and
// returns the raw JSON text.
func (c *Client) ChatStructured(ctx context.Context, model string, messages []domain.ChatMessage, schema Schema) (string, error) {
	if schema.Name == "" || len(schema.Definition) == 0 {
		return "", errors.New("openai: schema name and definition are required")
	}
	return c.chat(ctx, chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: c.temperature,
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaConfig{
				Name:   schema.Name,
				Strict: true,
				Schema: schema.Definition,
			},
		},
	})
}

func (c *Client) chat(ctx context.Context, in chatRequest) (string, error) {
	if in.Model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	url := chatURL(c.baseURL)
	req, err := c.newRequest(ctx, url, in)
	if err != nil {
		return "", err
	}

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return payload.Choices[0].Message.Content, nil
}

// ChatStream streams a completion as content deltas. Iteration stops at the
// first error; breaking out of the loop closes the upstream connection.
func (c *Client) ChatStream(ctx context.Context, model string, messages []domain.ChatMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if model == "" {
			yield("", errors.New("openai: model must not be empty"))
			return
		}
		url := chatURL(c.baseURL)
		req, err := c.newRequest(ctx, url, chatRequest{
			Model:       model,
			Messages:    messages,
			Temperature: c.temperature,
			Stream:      true,
		})
		if err != nil {
			yield("", err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		res, err := c.streamClient.Do(req)
		if err != nil {
			yield("", fmt.Errorf("openai: stream request failed: %w", err))
			return
		}
		defer func() { _ = res.Body.Close() }()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			yield("", fmt.Errorf("openai: stream request failed: %w", statusError(res, url)))
			return
		}

		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}
			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("openai: decode stream chunk: %w", err))
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("openai: read stream: %w", err))
			return
		}
		yield("", errors.New("openai: stream ended without [DONE]"))
	}
}

// Embed returns the embedding vector for text. Rate-limit and server errors
// are retried with exponential backoff, honoring Retry-After.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float64, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	url := embeddingsURL(c.baseURL)
	for attempt := 0; ; attempt++ {
		req, err := c.newRequest(ctx, url, embeddingRequest{Model: model, Input: text})
		if err != nil {
			return nil, err
		}
		raw, err := c.doJSONRequest(req, url)
		if err != nil {
			var statusErr *HTTPStatusError
			retryable := errors.As(err, &statusErr) &&
				(statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500)
			if !retryable || attempt >= c.maxRetries {
				return nil, fmt.Errorf("openai: embeddings request failed: %w", err)
			}
			if err := c.sleep(ctx, retryAfter(statusErr, attempt)); err != nil {
				return nil, fmt.Errorf("openai: embeddings request failed: %w", err)
			}
			continue
		}

		var payload embeddingResponse
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("openai: decode embeddings response: %w", err)
		}
		if len(payload.Data) == 0 || len(payload.Data[0].Embedding) == 0 {
			return nil, errors.New("openai: no embedding returned")
		}
		return payload.Data[0].Embedding, nil
	}
}

func (c *Client) newRequest(ctx context.Context, url string, in any) (*http.Request, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, statusError(res, url)
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func statusError(res *http.Response, url string) *HTTPStatusError {
	buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	e := &HTTPStatusError{
		StatusCode: res.StatusCode,
		URL:        url,
		Body:       string(buf),
	}
	if ra := res.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			e.retryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

func retryAfter(err *HTTPStatusError, attempt int) time.Duration {
	if err != nil && err.retryAfter > 0 {
		return min(err.retryAfter, 10*time.Second)
	}
	return retryDelay(attempt)
}

// retryDelay is an exponential backoff from 200ms capped at 5s.
func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := 200 * time.Millisecond << attempt
	if d > 5*time.Second || d <= 0 {
		d = 5 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
