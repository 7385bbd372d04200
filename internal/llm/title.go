package llm

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// PlaceholderTitle names a conversation until a title has been derived, and
// stands in whenever derivation fails.
const PlaceholderTitle = "New Chat"

// Titles are derived on a fixed cheap revision with a short output bound,
// regardless of the conversation's own model.
const (
	titleRevision  = "gpt-3.5-turbo-0125"
	titleMaxTokens = 50
	titleMaxLen    = 50
)

const titlePrompt = "Generate a short, descriptive title (max 50 characters) " +
	"for a chat conversation based on the first message. " +
	"Return only the title, no quotes or extra text."

// DeriveTitle summarizes a conversation's opening message into a short
// title. It never fails: any backend problem or empty completion falls back
// to the placeholder.
func (c *Client) DeriveTitle(ctx context.Context, firstMessage string) string {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: titleRevision,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titlePrompt},
			{Role: openai.ChatMessageRoleUser, Content: firstMessage},
		},
		MaxTokens:   titleMaxTokens,
		Temperature: 0.7,
	})
	if err != nil {
		c.logger.Warn("title derivation failed", zap.Error(err))
		return PlaceholderTitle
	}

	title := ""
	if len(resp.Choices) > 0 {
		title = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if title == "" {
		return PlaceholderTitle
	}
	return TruncateTitle(title)
}

// TruncateTitle caps a title at 50 characters, keeping the first 47 plus an
// ellipsis marker. Applying it to an already-truncated title is a no-op.
func TruncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= titleMaxLen {
		return title
	}
	return string(runes[:titleMaxLen-3]) + "..."
}
