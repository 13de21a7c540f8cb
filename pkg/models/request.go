package models

import "time"

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse is an OpenAI-compatible chat completion response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// SpeechRequest is an ElevenLabs-compatible text-to-speech request body.
type SpeechRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

// ContentRequest identifies generated content by template, inputs and variant.
type ContentRequest struct {
	TemplateID string            `json:"template_id" validate:"required,max=128"`
	Inputs     map[string]string `json:"inputs" validate:"omitempty,max=32,dive,keys,min=1,max=64,endkeys,max=1024"`
	Variant    string            `json:"variant,omitempty" validate:"omitempty,max=128"`
}

// ContentResponse is returned by the content endpoint.
type ContentResponse struct {
	Key          string     `json:"key"`
	Status       Status     `json:"status"`
	Cache        string     `json:"cache,omitempty"`
	Text         string     `json:"text,omitempty"`
	PayloadURL   string     `json:"payload_url,omitempty"`
	ContentType  string     `json:"content_type,omitempty"`
	SizeBytes    int64      `json:"size_bytes,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	PendingSince *time.Time `json:"pending_since,omitempty"`
	Error        string     `json:"error,omitempty"`
}
