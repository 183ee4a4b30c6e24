package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shpitdev/tablemorph/pkg/pipeline/compiler"
	"github.com/shpitdev/tablemorph/pkg/pipeline/redact"
	"github.com/shpitdev/tablemorph/pkg/pipeline/retry"
)

const maxLoggedResponse = 2000

// tracedInferrer logs every inference call of a session with its timing and outcome.
type tracedInferrer struct {
	next       compiler.Inferrer
	logf       func(format string, args ...any)
	maxRetries int

	mu       sync.Mutex
	attempts int
}

func newTracedInferrer(next compiler.Inferrer, logf func(format string, args ...any), maxRetries int) compiler.Inferrer {
	if next == nil {
		return nil
	}
	return &tracedInferrer{next: next, logf: logf, maxRetries: maxRetries}
}

func (t *tracedInferrer) Infer(ctx context.Context, prompt string) (string, error) {
	attempt := t.nextAttempt()

	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	t.logf("infer request: attempt=%d promptChars=%d deadlineIn=%s", attempt, len(prompt), deadlineIn)

	start := time.Now()
	out, err := t.next.Infer(ctx, prompt)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		retryable := retry.IsTransient(err)
		t.logf(
			"infer response: attempt=%d duration=%s status=error retryable=%t maxExtraRetries=%d error=%q",
			attempt,
			elapsed,
			retryable,
			retry.MaxExtraRetries(t.maxRetries, err),
			redact.Secrets(err.Error()),
		)
		return out, err
	}

	respJSON, _ := json.Marshal(map[string]any{"text": redact.Snippet(out, maxLoggedResponse)})
	t.logf("infer response: attempt=%d duration=%s status=ok response=%s", attempt, elapsed, string(respJSON))
	return out, nil
}

func (t *tracedInferrer) nextAttempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	return t.attempts
}
