// Package llm provides a uniform interface over the configured LLM
// backends plus an ordered registry that handles failover, circuit
// breaking and per-provider rate limiting.
package llm

import (
	"context"
	"errors"
	"time"
)

// Request defaults applied by providers when a field is unset.
const (
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.7
)

// Failure kinds. Soft failures make callers fail over to the next
// provider in the chain; ErrBadInput is hard and never retried.
var (
	ErrTimeout     = errors.New("llm: request timed out")
	ErrRateLimited = errors.New("llm: rate limited")
	ErrBadInput    = errors.New("llm: bad input")
	ErrUnavailable = errors.New("llm: provider unavailable")
)

// IsSoft reports whether the error should trigger provider failover.
func IsSoft(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable)
}

// Request is a single generation call.
type Request struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
	TopP         float64
	MaxTokens    int
}

// Usage reports token consumption for a call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the result of a generation call.
type Response struct {
	Content      string
	Provider     string
	Model        string
	Latency      time.Duration
	Usage        Usage
	FinishReason string
}

// Provider is one LLM backend.
type Provider interface {
	// Generate runs one completion. Errors wrap one of the failure kinds.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// Health reports whether the backend currently answers.
	Health(ctx context.Context) bool
	// Name returns the configured provider name.
	Name() string
	// Models returns the models this provider is configured to serve.
	Models() []string
}

// Chain is the failover surface consumed by the classifier and engine.
type Chain interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	Primary() string
}

func (r *Request) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxTokens
}

func (r *Request) temperature() float64 {
	if r.Temperature > 0 {
		return r.Temperature
	}
	return DefaultTemperature
}
