package llm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/config"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/logger"
	"github.com/albertbenedi-bit/bithealth-chatbot/internal/metrics"
)

// Entry pairs a provider with its chain-level policy.
type Entry struct {
	Provider Provider
	RPM      int // requests per minute budget, 0 disables the local limiter
}

// managedProvider wraps a provider with its limiter and circuit breaker
// state. brokenUntil holds unix nanoseconds; the provider is skipped
// until that instant passes.
type managedProvider struct {
	Provider
	limiter     *rate.Limiter
	brokenUntil atomic.Int64
}

func (mp *managedProvider) broken(now time.Time) bool {
	return now.UnixNano() < mp.brokenUntil.Load()
}

func (mp *managedProvider) trip(now time.Time, cooloff time.Duration) {
	mp.brokenUntil.Store(now.Add(cooloff).UnixNano())
}

func (mp *managedProvider) allow() bool {
	if mp.limiter == nil {
		return true
	}
	return mp.limiter.Allow()
}

// Registry walks an ordered provider chain: the first entry is the
// primary, the rest serve as fallbacks when it is unavailable, broken,
// or over budget.
type Registry struct {
	providers []*managedProvider
	cooloff   time.Duration
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time
}

// NewRegistry builds a chain from pre-constructed providers, in order.
func NewRegistry(entries []Entry, cooloff time.Duration, m *metrics.Metrics, log *logger.Logger) (*Registry, error) {
	if len(entries) == 0 {
		return nil, errors.New("llm: at least one provider is required")
	}

	providers := make([]*managedProvider, 0, len(entries))
	for _, e := range entries {
		mp := &managedProvider{Provider: e.Provider}
		if e.RPM > 0 {
			mp.limiter = rate.NewLimiter(rate.Limit(float64(e.RPM)/60.0), e.RPM)
		}
		providers = append(providers, mp)
	}

	return &Registry{
		providers: providers,
		cooloff:   cooloff,
		metrics:   m,
		logger:    log,
		now:       time.Now,
	}, nil
}

// NewFromConfig constructs the configured providers and assembles the
// chain in configuration order.
func NewFromConfig(cfg config.LLMConfig, m *metrics.Metrics, log *logger.Logger) (*Registry, error) {
	entries := make([]Entry, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		var p Provider
		switch pc.Kind {
		case "anthropic":
			p = NewAnthropicProvider(pc)
		case "openai":
			p = NewOpenAIProvider(pc)
		default:
			return nil, fmt.Errorf("llm: unknown provider kind %q", pc.Kind)
		}
		entries = append(entries, Entry{Provider: p, RPM: pc.RPM})
	}
	return NewRegistry(entries, cfg.BreakerCooloffDuration(), m, log)
}

// Generate implements Chain. Providers are tried in order: circuit-broken
// and over-budget entries are skipped, soft failures advance to the next
// provider, and a bad-input error aborts immediately since no provider
// will accept the same request.
func (r *Registry) Generate(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error

	for i, mp := range r.providers {
		if ctx.Err() != nil {
			break
		}

		if mp.broken(r.now()) {
			r.logger.Debug("skipping circuit-broken provider", zap.String("provider", mp.Name()))
			continue
		}
		if !mp.allow() {
			r.metrics.ProviderRateLimited(mp.Name())
			lastErr = fmt.Errorf("%w: %s: request budget exhausted", ErrRateLimited, mp.Name())
			r.logger.Warn("provider over local budget, trying next",
				zap.String("provider", mp.Name()))
			continue
		}

		resp, err := mp.Generate(ctx, req)
		if err == nil {
			if i > 0 {
				r.metrics.FallbackUsed()
				r.logger.Info("fallback provider served request",
					zap.String("provider", mp.Name()),
					zap.String("primary", r.Primary()))
			}
			return resp, nil
		}

		lastErr = err
		switch {
		case errors.Is(err, ErrBadInput):
			return nil, err
		case errors.Is(err, ErrRateLimited):
			mp.trip(r.now(), r.cooloff)
			r.metrics.ProviderRateLimited(mp.Name())
			r.logger.Warn("provider rate limited, circuit open",
				zap.String("provider", mp.Name()),
				zap.Duration("cooloff", r.cooloff))
		case errors.Is(err, ErrTimeout):
			r.metrics.ProviderTimeout(mp.Name())
			r.logger.Warn("provider timed out", zap.String("provider", mp.Name()))
		default:
			r.logger.Warn("provider failed", zap.String("provider", mp.Name()), zap.Error(err))
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: all providers circuit-broken", ErrUnavailable)
	}
	return nil, fmt.Errorf("llm chain exhausted: %w", lastErr)
}

// Primary implements Chain.
func (r *Registry) Primary() string {
	return r.providers[0].Name()
}

// Fallbacks returns the names of the non-primary providers, in order.
func (r *Registry) Fallbacks() []string {
	names := make([]string, 0, len(r.providers)-1)
	for _, mp := range r.providers[1:] {
		names = append(names, mp.Name())
	}
	return names
}

// Names returns all provider names in chain order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for _, mp := range r.providers {
		names = append(names, mp.Name())
	}
	return names
}

// Available reports whether at least one provider is in rotation, i.e.
// not sitting out a circuit-breaker cool-off. Unlike Healthy it issues
// no completions; health polling uses this.
func (r *Registry) Available() bool {
	now := r.now()
	for _, mp := range r.providers {
		if !mp.broken(now) {
			return true
		}
	}
	return false
}

// Healthy probes every provider and reports availability by name.
func (r *Registry) Healthy(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(r.providers))
	for _, mp := range r.providers {
		out[mp.Name()] = mp.Health(ctx)
	}
	return out
}
