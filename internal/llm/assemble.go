package llm

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/multichat-dev/multichat/internal/models"
)

// BuildMessages converts a stored transcript into the ordered message list
// sent to the backend. A message carrying an image becomes a two-part
// message (text part + image part) so the backend can reason over both;
// everything else is a single text message. The transcript is passed
// through whole and in stored order — any token-budget concern lives in the
// client, not here.
func BuildMessages(history []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, msg := range history {
		if msg.ImageURL == "" {
			out = append(out, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
			continue
		}
		out = append(out, openai.ChatCompletionMessage{
			Role: msg.Role,
			MultiContent: []openai.ChatMessagePart{
				{
					Type: openai.ChatMessagePartTypeText,
					Text: msg.Content,
				},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    msg.ImageURL,
						Detail: openai.ImageURLDetailAuto,
					},
				},
			},
		})
	}
	return out
}
