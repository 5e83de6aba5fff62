package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"docqa-go/pkg/log"
	"docqa-go/pkg/provider"
)

// ErrorKind classifies a ParseError.
type ErrorKind string

// AllProvidersFailed is the only ParseError kind: every provider was tried.
const AllProvidersFailed ErrorKind = "all_providers_failed"

const (
	reasonUnsupported = "unsupported"
	reasonMalformed   = "malformed"
	reasonTimeout     = "timeout"
	reasonError       = "error"
)

const defaultProviderTimeout = 2 * time.Minute

// Attempt records one provider call made by the chain.
type Attempt struct {
	Provider string
	Reason   string
	Err      error
	Elapsed  time.Duration
}

func (a Attempt) String() string {
	if a.Err == nil {
		return a.Provider + ": " + a.Reason
	}
	return fmt.Sprintf("%s: %s (%v)", a.Provider, a.Reason, a.Err)
}

// ParseError is returned when no provider produced a usable result.
type ParseError struct {
	Kind     ErrorKind
	Attempts []Attempt
}

func (e *ParseError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.String()
	}
	if len(parts) == 0 {
		return "all parsing providers failed: no providers configured"
	}
	return "all parsing providers failed: " + strings.Join(parts, "; ")
}

// Chain tries providers in order. It never retries a provider; retries belong
// to the ingestion orchestrator.
type Chain struct {
	providers      []Provider
	timeouts       map[string]time.Duration
	defaultTimeout time.Duration
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithDefaultTimeout bounds every provider without its own timeout.
func WithDefaultTimeout(d time.Duration) ChainOption {
	return func(c *Chain) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithProviderTimeout bounds one named provider.
func WithProviderTimeout(name string, d time.Duration) ChainOption {
	return func(c *Chain) {
		if d > 0 {
			c.timeouts[name] = d
		}
	}
}

// NewChain builds a chain over providers in priority order.
func NewChain(providers []Provider, opts ...ChainOption) *Chain {
	c := &Chain{
		providers:      providers,
		timeouts:       make(map[string]time.Duration),
		defaultTimeout: defaultProviderTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Providers returns the provider names in priority order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

func (c *Chain) timeoutFor(name string) time.Duration {
	if d, ok := c.timeouts[name]; ok {
		return d
	}
	return c.defaultTimeout
}

// Parse returns the first provider result that passes marker validation.
// Cancellation of ctx stops the chain and returns ctx.Err().
func (c *Chain) Parse(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	attempts := make([]Attempt, 0, len(c.providers))
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := p.Name()
		if !p.Supports(mimeType) {
			attempts = append(attempts, Attempt{Provider: name, Reason: reasonUnsupported})
			continue
		}

		start := time.Now()
		res, err := c.call(ctx, p, data, mimeType)
		elapsed := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a := Attempt{Provider: name, Reason: reasonFor(err), Err: err, Elapsed: elapsed}
			log.Warnw("[ParserChain] 解析服务失败，尝试下一个", "provider", name, "reason", a.Reason, "elapsed", elapsed, "error", err)
			attempts = append(attempts, a)
			continue
		}

		log.Infow("[ParserChain] 解析成功", "provider", name, "pages", res.PageCount, "markers", len(res.Markers), "elapsed", elapsed)
		return res, nil
	}
	return nil, &ParseError{Kind: AllProvidersFailed, Attempts: attempts}
}

func (c *Chain) call(ctx context.Context, p Provider, data []byte, mimeType string) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeoutFor(p.Name()))
	defer cancel()

	res, err := p.Parse(callCtx, data, mimeType)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &provider.Error{Provider: p.Name(), Kind: provider.KindTimeout, Err: err}
		}
		return nil, err
	}
	if res == nil {
		return nil, provider.Malformed(p.Name(), errors.New("nil result"))
	}
	res.Provider = p.Name()
	anchor(res)
	if err := ValidateMarkers(res.Markdown, res.Markers); err != nil {
		return nil, provider.Malformed(p.Name(), err)
	}
	if n := len(res.Markers); n > 0 && res.PageCount < res.Markers[n-1].Page {
		res.PageCount = res.Markers[n-1].Page
	}
	return res, nil
}

func reasonFor(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case provider.KindTimeout:
			return reasonTimeout
		case provider.KindMalformed:
			return reasonMalformed
		}
		return reasonError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return reasonTimeout
	}
	return reasonError
}
