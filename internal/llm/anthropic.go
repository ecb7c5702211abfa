package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/config"
)

// AnthropicProvider serves completions from the Anthropic Messages API.
type AnthropicProvider struct {
	messages *anthropic.MessageService
	name     string
	model    string
	timeout  time.Duration
}

// NewAnthropicProvider builds a provider from configuration.
func NewAnthropicProvider(cfg config.ProviderConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		messages: &client.Messages,
		name:     cfg.Name,
		model:    cfg.Model,
		timeout:  cfg.TimeoutDuration(),
	}
}

// Generate implements Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(req.maxTokens()),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(req.temperature()),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}

	start := time.Now()
	msg, err := p.messages.New(ctx, params)
	if err != nil {
		return nil, p.mapError(err)
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Response{
		Content:  content.String(),
		Provider: p.name,
		Model:    string(msg.Model),
		Latency:  time.Since(start),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		FinishReason: string(msg.StopReason),
	}, nil
}

// Health issues a minimal completion to verify the backend answers.
func (p *AnthropicProvider) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	return err == nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string {
	return p.name
}

// Models implements Provider.
func (p *AnthropicProvider) Models() []string {
	return []string{p.model}
}

func (p *AnthropicProvider) mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, p.name)
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s: %v", ErrRateLimited, p.name, err)
		case apierr.StatusCode == http.StatusBadRequest || apierr.StatusCode == http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %s: %v", ErrBadInput, p.name, err)
		default:
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, p.name, err)
		}
	}

	return fmt.Errorf("%w: %s: %v", ErrUnavailable, p.name, err)
}
