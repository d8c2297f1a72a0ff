// Package llm provides the language model contract used by the workflow and
// its provider implementations.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/mqol-labs/internal/metrics"
)

// Client is the two-method contract every workflow stage talks to.
// Implementations must report failures as errors and never return empty text
// silently.
type Client interface {
	// CompleteText returns the full completion for prompt.
	CompleteText(ctx context.Context, prompt string) (string, error)

	// StreamText calls onToken for every chunk as it arrives, in order, and
	// returns the concatenated text. A non-nil error from onToken aborts the stream.
	StreamText(ctx context.Context, prompt string, onToken func(string) error) (string, error)
}

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderGateway   = "gateway"
	ProviderDummy     = "dummy"
)

// Config selects and tunes a provider.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	GatewayAddr string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// DefaultConfig returns the provider defaults.
func DefaultConfig() Config {
	return Config{
		Provider:    ProviderDummy,
		Timeout:     180 * time.Second,
		Temperature: 0.2,
		MaxTokens:   2048,
	}
}

// New builds the client for cfg.Provider, instrumented with metrics.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))

	var (
		c   Client
		err error
	)
	switch provider {
	case ProviderOpenAI:
		c, err = NewOpenAI(cfg)
	case ProviderAnthropic:
		c, err = NewAnthropic(cfg)
	case ProviderGemini:
		c, err = NewGemini(ctx, cfg)
	case ProviderGateway:
		c, err = NewGateway(GatewayConfig{Address: cfg.GatewayAddr, Model: cfg.Model, RequestTimeout: cfg.Timeout, Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}, logger)
	case ProviderDummy, "":
		provider = ProviderDummy
		c = Dummy{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s provider: %w", provider, err)
	}

	logger.Info("Language model provider ready", "provider", provider, "model", cfg.Model)
	return Instrument(c, provider), nil
}

// instrumented records call outcomes and streamed chunks.
type instrumented struct {
	next     Client
	provider string
}

// Instrument wraps c so every call is counted under provider.
func Instrument(c Client, provider string) Client {
	return &instrumented{next: c, provider: provider}
}

func (i *instrumented) CompleteText(ctx context.Context, prompt string) (string, error) {
	text, err := i.next.CompleteText(ctx, prompt)
	metrics.LLMCalls.WithLabelValues(i.provider, "complete", resultLabel(err)).Inc()
	return text, err
}

func (i *instrumented) StreamText(ctx context.Context, prompt string, onToken func(string) error) (string, error) {
	tokens := metrics.LLMTokens.WithLabelValues(i.provider)
	text, err := i.next.StreamText(ctx, prompt, func(tok string) error {
		tokens.Inc()
		return onToken(tok)
	})
	metrics.LLMCalls.WithLabelValues(i.provider, "stream", resultLabel(err)).Inc()
	return text, err
}

// Close releases the provider connection, if the provider holds one.
func (i *instrumented) Close() error {
	if c, ok := i.next.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTransient(err):
		return "transient"
	case IsFatal(err):
		return "fatal"
	default:
		return "error"
	}
}

// Dummy answers every prompt with an empty JSON object so the whole
// workflow can run without credentials.
type Dummy struct{}

// CompleteText implements Client.
func (Dummy) CompleteText(_ context.Context, _ string) (string, error) {
	return "{}", nil
}

// StreamText implements Client.
func (Dummy) StreamText(ctx context.Context, prompt string, onToken func(string) error) (string, error) {
	text, _ := Dummy{}.CompleteText(ctx, prompt)
	if onToken != nil {
		if err := onToken(text); err != nil {
			return "", err
		}
	}
	return text, nil
}

var (
	_ Client = Dummy{}
	_ Client = (*OpenAI)(nil)
	_ Client = (*Anthropic)(nil)
	_ Client = (*Gemini)(nil)
	_ Client = (*Gateway)(nil)
)
