package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini talks to the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// NewGemini creates a Gemini-backed client.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, NewFatalError(fmt.Errorf("gemini API key not configured"))
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	temperature := float32(cfg.Temperature)
	genConfig := &genai.GenerateContentConfig{Temperature: &temperature}
	if cfg.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(cfg.MaxTokens)
	}

	return &Gemini{client: client, model: model, config: genConfig}, nil
}

// CompleteText implements Client.
func (c *Gemini) CompleteText(ctx context.Context, prompt string) (string, error) {
	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), c.config)
	if err != nil {
		return "", classify(fmt.Errorf("gemini generate: %w", err))
	}
	text := responseText(result)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// StreamText implements Client.
func (c *Gemini) StreamText(ctx context.Context, prompt string, onToken func(string) error) (string, error) {
	var b strings.Builder
	for result, err := range c.client.Models.GenerateContentStream(ctx, c.model, genai.Text(prompt), c.config) {
		if err != nil {
			return b.String(), classify(fmt.Errorf("gemini stream: %w", err))
		}
		chunk := responseText(result)
		if chunk == "" {
			continue
		}
		b.WriteString(chunk)
		if onToken != nil {
			if err := onToken(chunk); err != nil {
				return b.String(), err
			}
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyCompletion
	}
	return b.String(), nil
}

// responseText joins the non-thought text parts of every candidate.
func responseText(result *genai.GenerateContentResponse) string {
	if result == nil {
		return ""
	}
	var b strings.Builder
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought || part.Text == "" {
				continue
			}
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
