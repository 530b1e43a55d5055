// Package llm is the gateway to the Ollama backend. It owns the wire
// format for chat and embedding calls; nothing else in Cortex speaks
// HTTP to the model server.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/cortexd/cortex/internal/httpkit"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are model parameters for a single generation call.
type Options struct {
	// Temperature is always serialized: 0 is a deliberate setting
	// (deterministic critique), not an absent one.
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// Embedding batch limits. Oversized batches are split and oversized
// texts truncated before anything reaches the wire.
const (
	MaxBatchSize  = 32
	MaxTextChars  = 6000
	embedRetries  = 3
	embedRetryGap = 500 * time.Millisecond
)

// Client is a blocking, non-streaming Ollama client.
type Client struct {
	baseURL    string
	chatModel  string
	embedModel string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a gateway client. A nil logger falls back to slog.Default().
func New(baseURL, chatModel, embedModel string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: httpkit.NewClient(
			// Generation happens before the response arrives on a
			// non-streaming call, so the overall timeout must cover it.
			httpkit.WithTimeout(2*time.Minute),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// ChatModel returns the configured generation model name.
func (c *Client) ChatModel() string { return c.chatModel }

// chatRequest is the request format for the Ollama chat API.
type chatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  *Options        `json:"options,omitempty"`
}

// chatResponse is the response from the Ollama chat API.
type chatResponse struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`

	// Usage stats (when done=true)
	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
}

// ChatOnce sends one blocking chat completion request and returns the
// assistant text. format, when non-nil, is a JSON schema the model must
// conform to. opts may be nil for model defaults.
func (c *Client) ChatOnce(ctx context.Context, messages []Message, format json.RawMessage, opts *Options) (string, error) {
	req := chatRequest{
		Model:    c.chatModel,
		Messages: messages,
		Stream:   false,
		Format:   format,
		Options:  opts,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 2048)
		return "", fmt.Errorf("chat API error %d: %s", resp.StatusCode, body)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	c.logger.Debug("chat completion",
		"model", c.chatModel,
		"messages", len(messages),
		"eval_count", chatResp.EvalCount,
		"elapsed", time.Since(start).Truncate(time.Millisecond),
	)

	return chatResp.Message.Content, nil
}

// embedRequest is the request format for the Ollama embed API.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the response from the Ollama embed API.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch returns one embedding vector per input text, in order.
// Inputs are truncated to MaxTextChars and sent in sub-batches of at
// most MaxBatchSize. Each sub-batch is retried on failure with a
// linearly growing delay; if retries are exhausted the whole call
// fails and callers should treat the batch as producing nothing.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	prepared := make([]string, len(texts))
	for i, t := range texts {
		if len(t) > MaxTextChars {
			// Back off to a rune boundary so the cut never leaves a
			// partial UTF-8 sequence on the wire.
			cut := MaxTextChars
			for cut > 0 && !utf8.RuneStart(t[cut]) {
				cut--
			}
			t = t[:cut]
		}
		prepared[i] = t
	}

	out := make([][]float32, 0, len(prepared))
	for start := 0; start < len(prepared); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(prepared) {
			end = len(prepared)
		}

		vectors, err := c.embedOnce(ctx, prepared[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", start, end, err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("embed batch [%d:%d]: got %d vectors for %d inputs", start, end, len(vectors), end-start)
		}
		out = append(out, vectors...)
	}

	return out, nil
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed: no vector returned")
	}
	return vectors[0], nil
}

// embedOnce performs one /api/embed call with retries.
func (c *Client) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	jsonData, err := json.Marshal(embedRequest{Model: c.embedModel, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= embedRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying embed call",
				"attempt", attempt,
				"maxRetries", embedRetries,
				"error", lastErr,
			)
			timer := time.NewTimer(time.Duration(attempt) * embedRetryGap)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		vectors, err := c.postEmbed(ctx, jsonData)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("after %d retries: %w", embedRetries, lastErr)
}

func (c *Client) postEmbed(ctx context.Context, body []byte) ([][]float32, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		return nil, fmt.Errorf("embed API error %d: %s", resp.StatusCode, errBody)
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return embedResp.Embeddings, nil
}

// Ping checks if the model backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}
