package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"clipper/job"
)

const defaultMaxTokens = 4096

// AnthropicCompleter sends prompts to the Anthropic Messages API.
type AnthropicCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicCompleter builds a client with SDK retries disabled; retries
// belong to the job's stage budget.
func NewAnthropicCompleter(apiKey, model string, opts ...option.RequestOption) *AnthropicCompleter {
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)
	return &AnthropicCompleter{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
}

func (a *AnthropicCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Model: anthropic.Model(a.model),
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", statusError("anthropic", apiErr.StatusCode)
		}
		return "", job.Transient("anthropic request failed", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", job.Malformed("anthropic reply has no text content", nil)
	}
	return sb.String(), nil
}
