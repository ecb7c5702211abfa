package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/albertbenedi-bit/bithealth-chatbot/internal/common/config"
)

// OpenAIProvider serves completions from any OpenAI-compatible chat
// endpoint. BaseURL selects the backend: api.openai.com by default, or
// e.g. Gemini's OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client  *openai.Client
	name    string
	model   string
	timeout time.Duration
}

// NewOpenAIProvider builds a provider from configuration.
func NewOpenAIProvider(cfg config.ProviderConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientCfg),
		name:    cfg.Name,
		model:   cfg.Model,
		timeout: cfg.TimeoutDuration(),
	}
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   req.maxTokens(),
		Temperature: float32(req.temperature()),
	}
	if req.TopP > 0 {
		chatReq.TopP = float32(req.TopP)
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s returned no choices", ErrUnavailable, p.name)
	}

	return &Response{
		Content:  resp.Choices[0].Message.Content,
		Provider: p.name,
		Model:    resp.Model,
		Latency:  time.Since(start),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		FinishReason: string(resp.Choices[0].FinishReason),
	}, nil
}

// Health issues a minimal completion to verify the backend answers.
func (p *OpenAIProvider) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	})
	return err == nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Models implements Provider.
func (p *OpenAIProvider) Models() []string {
	return []string{p.model}
}

func (p *OpenAIProvider) mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, p.name)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s: %v", ErrRateLimited, p.name, err)
		case apiErr.HTTPStatusCode == http.StatusBadRequest || apiErr.HTTPStatusCode == http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %s: %v", ErrBadInput, p.name, err)
		default:
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, p.name, err)
		}
	}

	return fmt.Errorf("%w: %s: %v", ErrUnavailable, p.name, err)
}
