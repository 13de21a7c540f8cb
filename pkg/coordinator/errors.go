package coordinator

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Fetch when no servable payload exists for a key.
var ErrNotFound = errors.New("content not found")

// GenerationError reports a failed generation. Cached is set when the
// failure was read from a FAILED record instead of produced by this call.
type GenerationError struct {
	Key        string
	TemplateID string
	Detail     string
	Cached     bool
	Err        error
}

func (e *GenerationError) Error() string {
	if e.Cached {
		return fmt.Sprintf("generation of %s failed recently: %s", e.Key, e.Detail)
	}
	return fmt.Sprintf("generation of %s failed: %s", e.Key, e.Detail)
}

func (e *GenerationError) Unwrap() error { return e.Err }
