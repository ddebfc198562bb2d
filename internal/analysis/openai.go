package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/IliaW/content-proof/config"
	"github.com/IliaW/content-proof/internal/model"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 60 * time.Second
	BaseBackoff    = 2 * time.Second
	MaxBackoff     = 32 * time.Second
)

var (
	ErrAPIKeyNotSet       = errors.New("openai api key not set")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// OpenAIClient implements Capability with the chat completions API.
type OpenAIClient struct {
	client      openai.Client
	model       string
	timeout     time.Duration
	maxTokens   int64
	temperature float64
	maxRetries  int
	baseBackoff time.Duration
}

var _ Capability = (*OpenAIClient)(nil)

func NewOpenAIClient(cfg *config.OpenAIConfig) (*OpenAIClient, error) {
	if cfg.ApiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.ApiKey),
		// retries are handled here so rate limits share one backoff policy
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	c := &OpenAIClient{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: BaseBackoff,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}

	return c, nil
}

func (c *OpenAIClient) AnalyzeChunk(ctx context.Context, text string, instruction string) ([]model.Finding, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	content, err := c.completeWithRetry(ctx, text, instruction)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapability, err)
	}

	findings, err := ParseFindings(content)
	if err != nil {
		slog.Debug("unparseable analysis response.", slog.String("response", truncate(content, 200)))
		return nil, fmt.Errorf("%w: %w", ErrCapability, err)
	}

	return findings, nil
}

func (c *OpenAIClient) completeWithRetry(ctx context.Context, text string, instruction string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(instruction),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(c.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(c.maxTokens)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseBackoff
			if backoff > MaxBackoff {
				backoff = MaxBackoff
			}
			slog.Debug("rate limited by openai, backing off.", slog.Duration("backoff", backoff),
				slog.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if isRateLimitError(err) {
				continue
			}
			return "", fmt.Errorf("openai api call failed: %w", err)
		}
		if len(completion.Choices) == 0 {
			return "", fmt.Errorf("%w: no completion choices returned", ErrMalformedResponse)
		}

		return completion.Choices[0].Message.Content, nil
	}

	return "", fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
