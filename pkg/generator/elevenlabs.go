package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pario-ai/gencache/pkg/models"
	"github.com/pario-ai/gencache/pkg/router"
)

const defaultAudioType = "audio/mpeg"

// SpeechClient calls ElevenLabs-compatible text-to-speech endpoints.
type SpeechClient struct {
	client *http.Client
}

// NewSpeechClient creates a SpeechClient. A nil client uses http.DefaultClient.
func NewSpeechClient(c *http.Client) *SpeechClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &SpeechClient{client: c}
}

// Synthesize renders text with the given voice and returns the audio and
// its content type.
func (c *SpeechClient) Synthesize(ctx context.Context, route router.Route, voice, text string) ([]byte, string, error) {
	if voice == "" {
		return nil, "", errors.New("speech synthesis requires a voice")
	}
	body, err := json.Marshal(models.SpeechRequest{Text: text, ModelID: route.Model})
	if err != nil {
		return nil, "", fmt.Errorf("encode speech request: %w", err)
	}

	headers := map[string]string{"Accept": defaultAudioType}
	if route.Provider.APIKey != "" {
		headers["xi-api-key"] = route.Provider.APIKey
	}
	res, err := doUpstreamRequest(ctx, c.client, route.Provider.URL, "/v1/text-to-speech/"+url.PathEscape(voice), headers, body)
	if err != nil {
		return nil, "", err
	}
	if res.statusCode != http.StatusOK {
		return nil, "", &UpstreamError{Provider: route.Provider.Name, StatusCode: res.statusCode, Body: truncate(res.body, 512)}
	}
	if len(res.body) == 0 {
		return nil, "", errors.New("speech response is empty")
	}

	contentType := res.header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultAudioType
	}
	return res.body, contentType, nil
}
