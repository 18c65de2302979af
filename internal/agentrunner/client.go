// Package agentrunner is the node's concrete engine.AgentRunner: it drives
// an OpenAI-compatible chat model step by step against a task's
// instructions. Driving a real browser is explicitly out of scope (the
// engine's AgentRunner contract is the variation point; see
// engine.AgentRunner) — this implementation gives every node a working
// default without requiring a browser-automation stack.
package agentrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds the OpenAI-compatible endpoint credentials, loaded from
// OPENAI_API_KEY / OPENAI_BASE_URL the same as the rest of this module's
// configuration surface.
type Config struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// chatClient is a minimal OpenAI Chat Completions client: just enough to
// drive the step loop, not a general-purpose provider abstraction.
type chatClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func newChatClient(cfg Config) *chatClient {
	base := strings.TrimRight(cfg.OpenAIBaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &chatClient{
		apiKey:  cfg.OpenAIAPIKey,
		baseURL: base,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// complete issues one chat completion call and returns the assistant's
// message content.
func (c *chatClient) complete(ctx context.Context, model string, messages []chatMessage, temperature *float64, maxTokens int) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if resp.StatusCode >= 400 {
		if parsed.Error != nil {
			return "", fmt.Errorf("chat completion failed (%d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("chat completion failed with status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
