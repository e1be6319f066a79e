package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Chain tries its backends in order and returns the first reply.
type Chain struct {
	backends []Client
	logger   *slog.Logger
}

// NewChain returns a Client that falls through backends on failure.
func NewChain(logger *slog.Logger, backends ...Client) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{backends: backends, logger: logger}
}

func (c *Chain) Name() string {
	names := make([]string, 0, len(c.backends))
	for _, b := range c.backends {
		names = append(names, b.Name())
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Complete returns the first successful reply. When every backend fails the
// last error is returned, so transient classification still applies.
// Caller cancellation stops the chain immediately.
func (c *Chain) Complete(ctx context.Context, system, user string) (string, error) {
	if len(c.backends) == 0 {
		return "", errors.New("llm chain: no backends configured")
	}
	var lastErr error
	for _, b := range c.backends {
		out, err := b.Complete(ctx, system, user)
		if err == nil {
			return out, nil
		}
		lastErr = err
		c.logger.Warn("llm backend failed",
			slog.String("backend", b.Name()),
			slog.String("error", err.Error()),
		)
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("all llm backends failed: %w", lastErr)
}
