// Package openai writes post captions with the OpenAI chat completions API.
package openai

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.uber.org/zap"

	"reelbatch/internal/core/ports"
	"reelbatch/internal/errors"
	"reelbatch/internal/logger"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 60 * time.Second

	// MaxRetries applies to rate limited calls only.
	MaxRetries  = 3
	BaseBackoff = 2 * time.Second
	MaxBackoff  = 32 * time.Second
)

// ErrAPIKeyNotSet is returned by New without a key.
var ErrAPIKeyNotSet = errors.New("openai api key not set")

// styles maps a caption style to its instruction.
var styles = map[string]string{
	"viral":        "Write a punchy, curiosity-driven caption with a strong hook and 3-5 trending hashtags.",
	"professional": "Write a concise, informative caption in a professional tone with 2-3 relevant hashtags.",
	"funny":        "Write a short, witty caption with light humour and 2-3 hashtags.",
	"minimal":      "Write a one-line caption with at most one hashtag.",
}

// DefaultStyle is used when a request names no known style.
const DefaultStyle = "viral"

// Captioner implements ports.Captioner.
type Captioner struct {
	client  openai.Client
	model   string
	timeout time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	log     *zap.SugaredLogger
	reqOpts []option.RequestOption
}

// Option configures a Captioner.
type Option func(*Captioner)

// WithRequestOptions passes options through to the OpenAI client, for
// example option.WithBaseURL in tests.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *Captioner) {
		c.reqOpts = append(c.reqOpts, opts...)
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Captioner) { c.timeout = d }
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Captioner) { c.sleep = fn }
}

// New creates a captioner for the given key and model.
func New(apiKey, model string, log *zap.SugaredLogger, opts ...Option) (*Captioner, error) {
	if apiKey == "" {
		return nil, errors.WithHint(ErrAPIKeyNotSet, "set OPENAI_API_KEY or caption.api_key")
	}
	if model == "" {
		model = DefaultModel
	}
	if log == nil {
		log = logger.Logger
	}

	c := &Captioner{
		model:   model,
		timeout: DefaultTimeout,
		sleep:   sleepContext,
		log:     log.With(logger.FieldComponent, "captioner"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client = openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, c.reqOpts...)...)
	return c, nil
}

// Caption generates one caption.
func (c *Captioner) Caption(ctx context.Context, req ports.CaptionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt(req.Style)),
			openai.UserMessage(userPrompt(req)),
		},
		Temperature: openai.Float(0.8),
		MaxTokens:   openai.Int(300),
	}

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * BaseBackoff
			if backoff > MaxBackoff {
				backoff = MaxBackoff
			}
			if err := c.sleep(ctx, backoff); err != nil {
				return "", err
			}
		}

		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if isRateLimitError(err) {
				c.log.Debugw("rate limited, backing off", logger.FieldAttempt, attempt+1)
				continue
			}
			return "", errors.Wrap(err, "openai call failed")
		}
		if len(completion.Choices) == 0 {
			return "", errors.New("no completion choices returned")
		}

		text := cleanCaption(completion.Choices[0].Message.Content)
		if text == "" {
			return "", errors.New("empty caption returned")
		}
		return text, nil
	}
	return "", errors.Wrapf(lastErr, "gave up after %d rate limited attempts", MaxRetries+1)
}

func systemPrompt(style string) string {
	instruction, ok := styles[strings.ToLower(style)]
	if !ok {
		instruction = styles[DefaultStyle]
	}
	return "You write captions for short vertical videos on Instagram and TikTok. " +
		instruction + " Reply with the caption text only."
}

func userPrompt(req ports.CaptionRequest) string {
	var b strings.Builder
	original := strings.TrimSpace(req.OriginalCaption)
	if original == "" {
		original = "Viral video"
	}
	fmt.Fprintf(&b, "Original caption: %s\n", original)
	if req.Username != "" {
		fmt.Fprintf(&b, "Credit the creator as @%s.\n", strings.TrimPrefix(req.Username, "@"))
	}
	return b.String()
}

// cleanCaption drops wrapping quotes some models add.
func cleanCaption(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
