// Package refine sends pre-scored candidates to the external reasoning
// service and maps its judgment back onto matches. The stage never fails
// the pipeline: every abnormal condition degrades to a structured
// fallback reason.
package refine

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/subventia/matching-engine/internal/matching"
)

const systemPrompt = "Tu es un expert en financement public des entreprises françaises. Tu évalues la pertinence de dispositifs d'aide pour un profil d'entreprise donné. Réponds uniquement en JSON strict."

// Completion is one reasoning-service answer plus its token accounting.
// Token counts are zero when the transport did not report usage; the
// caller estimates in that case.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
}

type LLMCaller interface {
	Generate(ctx context.Context, prompt string) (Completion, error)
}

type AnthropicCaller struct {
	messages AnthropicMessager
	model    anthropic.Model
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

func NewAnthropicCallerFromEnv() (*AnthropicCaller, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	model := anthropic.Model(strings.TrimSpace(os.Getenv("REFINE_MODEL")))
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	return &AnthropicCaller{messages: newAnthropicClient(apiKey), model: model}, nil
}

func (a *AnthropicCaller) Generate(ctx context.Context, prompt string) (Completion, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   2048,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return Completion{}, err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return Completion{
		Text:         sb.String(),
		Model:        string(resp.Model),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CachedTokens: resp.Usage.CacheReadInputTokens,
	}, nil
}

// classifyTransportError maps a failed call onto the structured fallback
// taxonomy. Unknown failures classify as server errors, which are
// retryable.
func classifyTransportError(err error) matching.FallbackReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return matching.FallbackTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return matching.FallbackTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return matching.FallbackRateLimited
	default:
		return matching.FallbackError
	}
}

func retryable(reason matching.FallbackReason) bool {
	return reason == matching.FallbackRateLimited || reason == matching.FallbackError
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}
