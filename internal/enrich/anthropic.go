package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	anthropicURL     = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"

	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-3-5-haiku-latest"

	maxResponseTokens = 1024
)

// Client enriches conversations through the Anthropic Messages
// API.
type Client struct {
	apiKey string
	model  string
	url    string
	client *http.Client
}

// NewClient returns a Client. An empty model selects DefaultModel.
func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		apiKey: apiKey,
		model:  model,
		url:    anthropicURL,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// SetBaseURL points the client at another endpoint, such as a
// test server or a proxy.
func (c *Client) SetBaseURL(url string) {
	c.url = url
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Enrich implements Enricher.
func (c *Client) Enrich(ctx context.Context, req Request) (Result, error) {
	text, model, err := c.complete(ctx, BuildPrompt(req))
	if err != nil {
		return Result{}, err
	}
	res, err := ParseResult(text)
	if err != nil {
		return Result{}, err
	}
	res.Model = model
	return res, nil
}

func (c *Client) complete(
	ctx context.Context, prompt string,
) (string, string, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: maxResponseTokens,
		System:    systemPrompt,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", "", permanent("marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.url, bytes.NewReader(body),
	)
	if err != nil {
		return "", "", permanent("create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return "", "", fmt.Errorf("api call: %w", ctx.Err())
		}
		return "", "", fmt.Errorf("%w: api call: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", transient("read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", "", statusError(resp.StatusCode, respBody)
	}

	var apiResp messagesResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", "", permanent("unmarshal response: %v", err)
	}
	for _, block := range apiResp.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, apiResp.Model, nil
		}
	}
	return "", "", permanent("empty response content")
}

// statusError classifies a non-200 response. Rate limits,
// overload and server errors are transient; other client errors
// are permanent.
func statusError(status int, body []byte) error {
	msg := string(body)
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Type != "" {
		msg = errResp.Error.Type + ": " + errResp.Error.Message
	}
	if status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500 {
		return transient("api error %d: %s", status, msg)
	}
	return permanent("api error %d: %s", status, msg)
}
