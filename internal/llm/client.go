package llm

import (
	"context"

	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// DefaultModel is used when a conversation is created without an explicit
// model choice.
const DefaultModel = "gpt-3.5-turbo"

const defaultRevision = "gpt-3.5-turbo-0125"

// revisions pins each user-facing model name to a concrete backend
// revision. Unknown names resolve to defaultRevision instead of failing, so
// a stale model choice on an old conversation still produces replies.
var revisions = map[string]string{
	"gpt-3.5-turbo":        "gpt-3.5-turbo-0125",
	"gpt-4":                "gpt-4-0613",
	"gpt-4-turbo-preview":  "gpt-4-0125-preview",
	"gpt-4-vision-preview": "gpt-4-1106-vision-preview",
	"gpt-5":                "gpt-5-2025-08-07",
}

// revisionParams holds the invocation parameters one backend revision
// accepts. Keyed by resolved revision, one row per revision: the gpt-5
// family rejects max_tokens and any temperature override, everything older
// rejects max_completion_tokens. A request carries exactly one of the two
// token-limit fields.
type revisionParams struct {
	maxTokens     int
	completionCap bool    // send max_completion_tokens instead of max_tokens
	temperature   float32 // omitted when zero
}

var revisionTable = map[string]revisionParams{
	"gpt-3.5-turbo-0125":        {maxTokens: 4096, temperature: 0.7},
	"gpt-4-0613":                {maxTokens: 8192, temperature: 0.7},
	"gpt-4-0125-preview":        {maxTokens: 4096, temperature: 0.7},
	"gpt-4-1106-vision-preview": {maxTokens: 4096, temperature: 0.7},
	"gpt-5-2025-08-07":          {maxTokens: 4096, completionCap: true},
}

// ResolveRevision maps a user-facing model name to the pinned backend
// revision, falling back to the default revision for unknown names.
func ResolveRevision(model string) string {
	if rev, ok := revisions[model]; ok {
		return rev
	}
	return defaultRevision
}

func paramsFor(revision string) revisionParams {
	if p, ok := revisionTable[revision]; ok {
		return p
	}
	return revisionTable[defaultRevision]
}

// Client talks to an OpenAI-compatible chat completion backend.
type Client struct {
	api    *openai.Client
	logger *zap.Logger
}

func New(baseURL, token string, logger *zap.Logger) *Client {
	cfg := openai.DefaultConfig(token)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{api: openai.NewClientWithConfig(cfg), logger: logger}
}

// Complete sends the assembled message list to the backend and returns the
// reply text. An empty completion is not an error; the caller decides what
// an empty reply means. Failures come back as *BackendError.
func (c *Client) Complete(ctx context.Context, messages []openai.ChatCompletionMessage, model string) (string, error) {
	revision := ResolveRevision(model)
	params := paramsFor(revision)

	req := openai.ChatCompletionRequest{
		Model:    revision,
		Messages: messages,
	}
	if params.completionCap {
		req.MaxCompletionTokens = params.maxTokens
	} else {
		req.MaxTokens = params.maxTokens
		req.Temperature = params.temperature
	}

	// Token counting touches the tokenizer's encoding cache, so only pay
	// for it when debug logging is on.
	if ce := c.logger.Check(zap.DebugLevel, "generation request"); ce != nil {
		ce.Write(
			zap.String("model", model),
			zap.String("revision", revision),
			zap.Int("messages", len(messages)),
			zap.Int("prompt_tokens", countPromptTokens(revision, messages)))
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// countPromptTokens is accounting only: the full transcript always goes to
// the backend untrimmed. Returns 0 when no encoding is available.
func countPromptTokens(revision string, messages []openai.ChatCompletionMessage) int {
	enc, err := tiktoken.EncodingForModel(revision)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return 0
		}
	}

	total := 0
	for _, msg := range messages {
		total += len(enc.Encode(msg.Content, nil, nil))
		for _, part := range msg.MultiContent {
			if part.Type == openai.ChatMessagePartTypeText {
				total += len(enc.Encode(part.Text, nil, nil))
			}
		}
	}
	return total
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401:
			return &BackendError{Kind: KindAuth, Message: "Invalid API key. Please check your API key configuration."}
		case apiErr.HTTPStatusCode == 429:
			return &BackendError{Kind: KindRateLimited, Message: "Rate limit exceeded. Please try again later."}
		case apiErr.HTTPStatusCode >= 500:
			return &BackendError{Kind: KindUnavailable, Message: "Backend server error. Please try again later."}
		default:
			return &BackendError{Kind: KindUnknown, Message: apiErr.Message}
		}
	}
	return &BackendError{Kind: KindUnknown, Message: err.Error()}
}
