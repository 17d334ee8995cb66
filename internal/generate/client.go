// Package generate wraps the external text-generation service.
//
// The client speaks the OpenAI-compatible chat API via langchaingo, which
// covers both hosted providers and self-hosted servers (Ollama, vLLM, TEI)
// behind a custom base URL. Every call is bounded by a timeout, and every
// failure is classified as transient (retryable) or permanent.
package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrEmptyPrompt indicates an empty prompt.
var ErrEmptyPrompt = errors.New("generate: empty prompt")

// Client produces reflection text from an aggregate prompt.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config holds the generation service settings.
type Config struct {
	// BaseURL of the OpenAI-compatible endpoint.
	BaseURL string
	// Model name to generate with.
	Model string
	// APIKey is optional for self-hosted endpoints.
	APIKey string
	// Timeout bounds each Generate call.
	Timeout time.Duration
}

// OpenAIClient is the langchaingo-backed Client.
type OpenAIClient struct {
	llm     *openai.LLM
	timeout time.Duration
}

// New creates a generation client.
func New(cfg Config) (*OpenAIClient, error) {
	if cfg.BaseURL == "" || cfg.Model == "" {
		return nil, errors.New("generate: base URL and model are required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("generate: timeout must be positive")
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token; self-hosted endpoints ignore it.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("generate: creating client: %w", err)
	}

	return &OpenAIClient{llm: llm, timeout: cfg.Timeout}, nil
}

// Generate submits the prompt with a bounded timeout. The returned error
// is always a TransientError or PermanentError; a call cancelled on
// timeout is transient.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", Permanent(ErrEmptyPrompt)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt)
	if err != nil {
		// Prefer the deadline over the wrapped provider error so a timed
		// out call classifies as transient.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", Transient(ctxErr)
		}
		return "", classify(err)
	}
	if text == "" {
		return "", Permanent(errors.New("generate: provider returned empty completion"))
	}
	return text, nil
}
