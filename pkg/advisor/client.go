// Package advisor provides an HTTP client for an OpenAI-compatible chat
// completion endpoint, used by the creative solver as its language-model
// backend.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rebound-engine/rebound/pkg/config"
	"github.com/rebound-engine/rebound/pkg/errors"
)

const systemPrompt = "You are a pragmatic operations assistant. When asked for a workaround, reply with one concrete, safe approach described as plain steps. Never propose destructive or privileged commands."

// Client calls a chat-completion API over HTTP
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient creates an advisor client from configuration
func NewClient(cfg *config.AdvisorConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends the prompt and returns the model's reply text
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if c.endpoint == "" {
		return "", errors.NewUnknownError("advisor endpoint not configured")
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", errors.NewUnknownError("failed to encode advisor request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.NewUnknownError("failed to build advisor request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.NewNetworkError("advisor request failed").WithCause(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.NewNetworkError("failed to read advisor response").WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", errors.NewHTTPError(resp.StatusCode,
			fmt.Sprintf("advisor returned status %d", resp.StatusCode)).
			WithDetail("body", truncate(string(payload), 512))
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", errors.NewDataError("advisor returned malformed JSON").WithCause(err)
	}
	if parsed.Error != nil {
		return "", errors.NewUnknownError("advisor error: " + parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.NewDataError("advisor response contained no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
