package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/querybench/querybench/internal/prompt"
)

type Generator struct {
	Backend     Backend
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
	Timeout     time.Duration
	Dialect     string
}

// Generate renders the request, calls the backend under the configured
// wall-clock limit and extracts the first SQL candidate.
func (g *Generator) Generate(ctx context.Context, req prompt.Request) (Result, error) {
	if g.Backend == nil {
		return Result{}, fmt.Errorf("%w: no backend configured", ErrBackendUnavailable)
	}
	result := Result{Provider: g.Backend.Name(), Model: g.Model}

	callCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	rendered := prompt.Render(req, prompt.RenderOptions{Dialect: g.Dialect})
	raw, err := g.Backend.Complete(callCtx, Completion{
		System:      rendered.System,
		User:        rendered.User,
		Model:       g.Model,
		Temperature: g.Temperature,
		TopP:        g.TopP,
		MaxTokens:   g.MaxTokens,
		JSON:        true,
	})
	if err != nil {
		return result, classifyBackendError(callCtx, err)
	}

	result.RawText = raw
	result.SQL, result.Assumptions = Extract(raw)
	return result, nil
}

func classifyBackendError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrBackendTimeout), errors.Is(err, ErrBackendUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
}
