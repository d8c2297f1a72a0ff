package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20240620"

// Anthropic talks to the Messages API.
type Anthropic struct {
	client      *anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewAnthropic creates an Anthropic-backed client.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, NewFatalError(fmt.Errorf("anthropic API key not configured"))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &Anthropic{
		client:      &client,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}, nil
}

func (c *Anthropic) params(prompt string) anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(c.temperature),
	}
}

// CompleteText implements Client.
func (c *Anthropic) CompleteText(ctx context.Context, prompt string) (string, error) {
	message, err := c.client.Messages.New(ctx, c.params(prompt))
	if err != nil {
		return "", classify(fmt.Errorf("anthropic message: %w", err))
	}

	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyCompletion
	}
	return b.String(), nil
}

// StreamText implements Client.
func (c *Anthropic) StreamText(ctx context.Context, prompt string, onToken func(string) error) (string, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.params(prompt))
	defer func() { _ = stream.Close() }()

	var b strings.Builder
	for stream.Next() {
		event := stream.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
		if !ok || text.Text == "" {
			continue
		}
		b.WriteString(text.Text)
		if onToken != nil {
			if err := onToken(text.Text); err != nil {
				return b.String(), err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return b.String(), classify(fmt.Errorf("anthropic stream: %w", err))
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyCompletion
	}
	return b.String(), nil
}
