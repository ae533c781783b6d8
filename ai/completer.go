// Package ai talks to the language-model services that transcribe videos
// and pick clip candidates.
package ai

import (
	"context"

	"golang.org/x/time/rate"
)

// Completer sends one prompt and returns the model's text reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Limited throttles calls to a Completer with a token bucket.
type Limited struct {
	next    Completer
	limiter *rate.Limiter
}

// NewLimited allows rps calls per second with the given burst. A non-positive
// rps disables throttling.
func NewLimited(next Completer, rps float64, burst int) *Limited {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Complete(ctx context.Context, prompt string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.next.Complete(ctx, prompt)
}
