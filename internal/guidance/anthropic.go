package guidance

import (
	"context"
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicCompleter implements Completer on the Anthropic API.
type AnthropicCompleter struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicCompleter creates a completer with the given API key and model.
func NewAnthropicCompleter(apiKey, model string) *AnthropicCompleter {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicCompleter{
		api:       &client,
		model:     anthropic.Model(model),
		maxTokens: 2048,
	}
}

// Complete sends one generation request and returns the text plus token
// usage. Rate limits, timeouts, and provider 5xx come back transient;
// other API errors are permanent.
func (c *AnthropicCompleter) Complete(ctx context.Context, systemPrompt string, prior []PromptMessage) (Completion, error) {
	messages := make([]anthropic.MessageParam, 0, len(prior))
	for _, m := range prior {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: messages,
	})
	if err != nil {
		return Completion{}, completionError(isTransientAPIError(err), err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return Completion{}, completionError(false, errors.New("no text content in API response"))
	}

	return Completion{
		Text:         text,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

func isTransientAPIError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests,
			apierr.StatusCode == http.StatusRequestTimeout,
			apierr.StatusCode >= 500:
			return true
		}
		return false
	}
	// Network-level failures without an API status are worth retrying.
	return true
}
