package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pario-ai/gencache/pkg/models"
	"github.com/pario-ai/gencache/pkg/router"
)

// TextClient calls OpenAI-compatible chat completion endpoints.
type TextClient struct {
	client *http.Client
}

// NewTextClient creates a TextClient. A nil client uses http.DefaultClient.
func NewTextClient(c *http.Client) *TextClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &TextClient{client: c}
}

// Complete sends system and prompt to the route and returns the first choice.
func (c *TextClient) Complete(ctx context.Context, route router.Route, system, prompt string, maxTokens int) (string, error) {
	req := models.ChatCompletionRequest{Model: route.Model}
	if system != "" {
		req.Messages = append(req.Messages, models.ChatMessage{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, models.ChatMessage{Role: "user", Content: prompt})
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	headers := map[string]string{}
	if route.Provider.APIKey != "" {
		headers["Authorization"] = "Bearer " + route.Provider.APIKey
	}
	res, err := doUpstreamRequest(ctx, c.client, route.Provider.URL, "/v1/chat/completions", headers, body)
	if err != nil {
		return "", err
	}
	if res.statusCode != http.StatusOK {
		return "", &UpstreamError{Provider: route.Provider.Name, StatusCode: res.statusCode, Body: truncate(res.body, 512)}
	}

	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(res.body, &resp); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion response has no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("completion response is empty")
	}
	return text, nil
}
