// Package explain turns a raw session error into a short message for end users.
package explain

import (
	"context"
	"strings"
	"time"

	"github.com/shpitdev/tablemorph/pkg/pipeline/redact"
)

// Fallback is returned whenever no explanation can be produced.
const Fallback = "An unexpected error occurred while generating an explanation. Please try again later."

// DefaultTimeout bounds one explanation request.
const DefaultTimeout = 20 * time.Second

// Explainer produces a human-readable explanation of rawErr.
type Explainer interface {
	Explain(ctx context.Context, rawErr string) (string, error)
}

// Explain asks e to describe err. It never fails: a nil explainer, an explainer error, a panic or an
// empty answer all yield Fallback. Secrets are scrubbed from the text sent and returned.
func Explain(ctx context.Context, e Explainer, err error) (msg string) {
	if e == nil || err == nil {
		return Fallback
	}
	defer func() {
		if r := recover(); r != nil {
			msg = Fallback
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	out, explainErr := e.Explain(ctx, redact.Secrets(err.Error()))
	if explainErr != nil {
		return Fallback
	}
	out = strings.TrimSpace(redact.Secrets(out))
	if out == "" {
		return Fallback
	}
	return out
}
