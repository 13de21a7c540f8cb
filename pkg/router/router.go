package router

import (
	"fmt"

	"github.com/pario-ai/gencache/pkg/config"
)

// Kind of content a template produces.
const (
	KindText   = "text"
	KindSpeech = "speech"
)

// Route represents a resolved provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Router resolves template ids to their definition and an ordered
// provider+model fallback chain.
type Router struct {
	cfg       *config.Config
	templates map[string]config.TemplateConfig
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	templates := make(map[string]config.TemplateConfig, len(cfg.Templates))
	for _, t := range cfg.Templates {
		if t.Kind == "" {
			t.Kind = KindText
		}
		templates[t.ID] = t
	}
	return &Router{cfg: cfg, templates: templates}
}

// Template returns the definition of a template.
func (r *Router) Template(id string) (config.TemplateConfig, bool) {
	t, ok := r.templates[id]
	return t, ok
}

// Templates returns every configured template id.
func (r *Router) Templates() []string {
	ids := make([]string, 0, len(r.cfg.Templates))
	for _, t := range r.cfg.Templates {
		ids = append(ids, t.ID)
	}
	return ids
}

// Resolve returns an ordered list of routes for the template.
// If the template names targets, those are returned in order.
// Otherwise, the first provider able to serve the template's kind is used
// with its default model.
func (r *Router) Resolve(templateID string) ([]Route, error) {
	tpl, ok := r.templates[templateID]
	if !ok {
		return nil, fmt.Errorf("unknown template %q", templateID)
	}
	if len(r.cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	// Build provider index by name
	providerIndex := make(map[string]config.ProviderConfig, len(r.cfg.Providers))
	for _, p := range r.cfg.Providers {
		providerIndex[p.Name] = p
	}

	if len(tpl.Targets) > 0 {
		var routes []Route
		for _, target := range tpl.Targets {
			provider, ok := providerIndex[target.Provider]
			if !ok {
				continue // skip unknown providers
			}
			if !serves(provider, tpl.Kind) {
				continue
			}
			routes = append(routes, Route{Provider: provider, Model: target.Model})
		}
		if len(routes) == 0 {
			return nil, fmt.Errorf("template %q: no usable providers", templateID)
		}
		return routes, nil
	}

	// No explicit targets; default to the first provider of the right kind
	for _, p := range r.cfg.Providers {
		if serves(p, tpl.Kind) {
			return []Route{{Provider: p}}, nil
		}
	}
	return nil, fmt.Errorf("template %q: no %s provider configured", templateID, tpl.Kind)
}

// serves reports whether a provider can generate the given kind of content.
func serves(p config.ProviderConfig, kind string) bool {
	if kind == KindSpeech {
		return p.Type == "elevenlabs"
	}
	return p.Type == "" || p.Type == "openai"
}
