package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI talks to the Chat Completions API or any compatible endpoint.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAI creates an OpenAI-backed client.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, NewFatalError(fmt.Errorf("openai API key not configured"))
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAI{
		client:      &client,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (c *OpenAI) params(prompt string) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	return params
}

// CompleteText implements Client.
func (c *OpenAI) CompleteText(ctx context.Context, prompt string) (string, error) {
	completion, err := c.client.Chat.Completions.New(ctx, c.params(prompt))
	if err != nil {
		return "", classify(fmt.Errorf("openai completion: %w", err))
	}
	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return completion.Choices[0].Message.Content, nil
}

// StreamText implements Client.
func (c *OpenAI) StreamText(ctx context.Context, prompt string, onToken func(string) error) (string, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(prompt))
	defer func() { _ = stream.Close() }()

	var b strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		b.WriteString(delta)
		if onToken != nil {
			if err := onToken(delta); err != nil {
				return b.String(), err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return b.String(), classify(fmt.Errorf("openai stream: %w", err))
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyCompletion
	}
	return b.String(), nil
}
