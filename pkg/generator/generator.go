// Package generator provides the generation functions behind the cache:
// a Generator interface, and a Registry that renders configured templates
// and calls text or speech providers with fallback.
package generator

import (
	"context"
	"time"

	"github.com/pario-ai/gencache/pkg/models"
)

// Generator produces the payload for a template, its inputs and a variant.
// Implementations must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, templateID string, inputs map[string]string, variant string) (*models.Payload, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, templateID string, inputs map[string]string, variant string) (*models.Payload, error)

// Generate implements Generator.
func (f Func) Generate(ctx context.Context, templateID string, inputs map[string]string, variant string) (*models.Payload, error) {
	return f(ctx, templateID, inputs, variant)
}

// Timeouter is implemented by generators that know how long a template's
// generation may take.
type Timeouter interface {
	Timeout(templateID string) time.Duration
}

// Catalog is implemented by generators that can reject unknown templates
// before any work is done.
type Catalog interface {
	Known(templateID string) bool
}
