package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/gencache/pkg/cachekey"
	"github.com/pario-ai/gencache/pkg/config"
	"github.com/pario-ai/gencache/pkg/models"
	"github.com/pario-ai/gencache/pkg/router"
)

// ErrUnknownTemplate is returned for template ids with no configuration.
var ErrUnknownTemplate = errors.New("unknown template")

const textContentType = "text/plain; charset=utf-8"

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	HTTPClient    *http.Client
	TextTimeout   time.Duration
	SpeechTimeout time.Duration
	Logger        *zap.Logger
}

// Registry generates content for configured templates. It renders the
// template prompt from the normalized inputs and walks the template's
// provider chain until one succeeds.
type Registry struct {
	router  *router.Router
	prompts map[string]*template.Template
	text    *TextClient
	speech  *SpeechClient
	opts    RegistryOptions
	logger  *zap.Logger
}

// NewRegistry parses every template prompt and returns a Registry.
func NewRegistry(r *router.Router, opts RegistryOptions) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TextTimeout <= 0 {
		opts.TextTimeout = 45 * time.Second
	}
	if opts.SpeechTimeout <= 0 {
		opts.SpeechTimeout = 120 * time.Second
	}

	prompts := make(map[string]*template.Template)
	for _, id := range r.Templates() {
		tpl, _ := r.Template(id)
		parsed, err := template.New(id).Option("missingkey=error").Parse(tpl.Prompt)
		if err != nil {
			return nil, fmt.Errorf("parse template %q: %w", id, err)
		}
		prompts[id] = parsed
	}

	return &Registry{
		router:  r,
		prompts: prompts,
		text:    NewTextClient(opts.HTTPClient),
		speech:  NewSpeechClient(opts.HTTPClient),
		opts:    opts,
		logger:  opts.Logger,
	}, nil
}

// Known reports whether templateID is configured.
func (g *Registry) Known(templateID string) bool {
	_, ok := g.router.Template(templateID)
	return ok
}

// Timeout implements Timeouter.
func (g *Registry) Timeout(templateID string) time.Duration {
	tpl, ok := g.router.Template(templateID)
	switch {
	case !ok:
		return g.opts.TextTimeout
	case tpl.Timeout > 0:
		return tpl.Timeout
	case tpl.Kind == router.KindSpeech:
		return g.opts.SpeechTimeout
	default:
		return g.opts.TextTimeout
	}
}

// Render returns the prompt a template produces for the given inputs.
func (g *Registry) Render(templateID string, inputs map[string]string) (string, error) {
	prompt, ok := g.prompts[templateID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}
	var buf bytes.Buffer
	if err := prompt.Execute(&buf, cachekey.Normalize(inputs)); err != nil {
		return "", fmt.Errorf("render template %q: %w", templateID, err)
	}
	return buf.String(), nil
}

// Generate implements Generator. For speech templates the variant selects
// the voice and the payload carries both the spoken text and the audio.
func (g *Registry) Generate(ctx context.Context, templateID string, inputs map[string]string, variant string) (*models.Payload, error) {
	tpl, ok := g.router.Template(templateID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}
	prompt, err := g.Render(templateID, inputs)
	if err != nil {
		return nil, err
	}
	routes, err := g.router.Resolve(templateID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, route := range routes {
		p, err := g.attempt(ctx, tpl, route, prompt, variant)
		if err == nil {
			return p, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		g.logger.Warn("provider failed, trying next",
			zap.String("template", templateID),
			zap.String("provider", route.Provider.Name),
			zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

func (g *Registry) attempt(ctx context.Context, tpl config.TemplateConfig, route router.Route, prompt, variant string) (*models.Payload, error) {
	if tpl.Kind == router.KindSpeech {
		voice := variant
		if voice == "" {
			voice = tpl.DefaultVoice
		}
		audio, contentType, err := g.speech.Synthesize(ctx, route, voice, prompt)
		if err != nil {
			return nil, err
		}
		if tpl.ContentType != "" {
			contentType = tpl.ContentType
		}
		return &models.Payload{Data: audio, Text: prompt, ContentType: contentType}, nil
	}

	text, err := g.text.Complete(ctx, route, tpl.System, prompt, tpl.MaxTokens)
	if err != nil {
		return nil, err
	}
	contentType := tpl.ContentType
	if contentType == "" {
		contentType = textContentType
	}
	return &models.Payload{Text: text, ContentType: contentType}, nil
}
