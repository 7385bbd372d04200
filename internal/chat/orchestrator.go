package chat

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/multichat-dev/multichat/internal/db"
	"github.com/multichat-dev/multichat/internal/llm"
	"github.com/multichat-dev/multichat/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrEmptyMessage rejects a send that carries neither text nor an
	// attachment, before anything is written.
	ErrEmptyMessage = errors.New("message requires text or an image")

	// ErrForbidden reports that the conversation belongs to another user.
	ErrForbidden = errors.New("conversation belongs to another user")
)

// Generator is the slice of the llm client the orchestrator depends on.
type Generator interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessage, model string) (string, error)
	DeriveTitle(ctx context.Context, firstMessage string) string
}

// Orchestrator runs the send pipeline: resolve the conversation, record the
// user message, hand the full transcript to the backend, record the reply.
// Each request runs sequentially; requests against different conversations
// share nothing but the store. Two concurrent sends into one conversation
// are not serialized here — the store's per-call atomicity keeps the log
// well-formed, but their relative order is undefined.
type Orchestrator struct {
	db     *db.Database
	gen    Generator
	titles *TitleScheduler
	logger *zap.Logger
}

func NewOrchestrator(database *db.Database, gen Generator, titles *TitleScheduler, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:     database,
		gen:    gen,
		titles: titles,
		logger: logger,
	}
}

// SendRequest describes one incoming user message. A zero ConversationID
// starts a new conversation with the requested model.
type SendRequest struct {
	UserID         int64
	ConversationID int64
	Text           string
	ImageURL       string
	Model          string
}

// SendResult carries the assistant's reply and the conversation it landed
// in, which the caller needs when the conversation was just created.
type SendResult struct {
	Conversation *models.Conversation `json:"conversation"`
	Message      *models.Message      `json:"message"`
}

// SendMessage runs the pipeline for one user message. On a backend failure
// the already-recorded user message is kept and no assistant message is
// written; the user's input survives the error. No step is ever retried
// here.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.Text == "" && req.ImageURL == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := o.resolveConversation(req)
	if err != nil {
		return nil, err
	}

	userMsg := &models.Message{
		ConvID:   conv.ID,
		Role:     models.RoleUser,
		Content:  req.Text,
		ImageURL: req.ImageURL,
	}
	if err := o.db.SaveMessage(userMsg); err != nil {
		return nil, errors.Wrap(err, "recording user message")
	}

	history, err := o.db.GetConversationHistory(conv.ID)
	if err != nil {
		return nil, errors.Wrap(err, "reading transcript")
	}

	// The opening message of a conversation triggers one deferred title
	// derivation. The timer starts now, not when the reply arrives.
	if len(history) == 1 {
		o.titles.Schedule(conv.ID, req.Text)
	}

	text, err := o.gen.Complete(ctx, llm.BuildMessages(history), conv.Model)
	if err != nil {
		o.logger.Error("generation failed",
			zap.Int64("conversation_id", conv.ID),
			zap.Error(err))
		return nil, err
	}

	reply := &models.Message{
		ConvID:  conv.ID,
		Role:    models.RoleAssistant,
		Content: text,
	}
	if err := o.db.SaveMessage(reply); err != nil {
		return nil, errors.Wrap(err, "recording assistant message")
	}

	if err := o.db.TouchConversation(conv.ID); err != nil {
		o.logger.Warn("bumping conversation timestamp",
			zap.Int64("conversation_id", conv.ID),
			zap.Error(err))
	}

	return &SendResult{Conversation: conv, Message: reply}, nil
}

func (o *Orchestrator) resolveConversation(req SendRequest) (*models.Conversation, error) {
	if req.ConversationID == 0 {
		model := req.Model
		if model == "" {
			model = llm.DefaultModel
		}
		conv, err := o.db.CreateConversation(req.UserID, llm.PlaceholderTitle, model)
		if err != nil {
			return nil, errors.Wrap(err, "creating conversation")
		}
		return conv, nil
	}

	conv, err := o.db.GetConversation(req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != req.UserID {
		return nil, ErrForbidden
	}
	return conv, nil
}

// CreateConversation starts an empty conversation. The title stays a
// placeholder until the first message triggers derivation, unless the
// caller named it explicitly.
func (o *Orchestrator) CreateConversation(userID int64, title, model string) (*models.Conversation, error) {
	if title == "" {
		title = llm.PlaceholderTitle
	}
	if model == "" {
		model = llm.DefaultModel
	}
	return o.db.CreateConversation(userID, title, model)
}

func (o *Orchestrator) ListConversations(userID int64) ([]models.Conversation, error) {
	return o.db.GetConversations(userID)
}

// GetConversation returns a conversation and its ordered transcript, after
// checking the caller owns it.
func (o *Orchestrator) GetConversation(conversationID, userID int64) (*models.Conversation, []models.Message, error) {
	conv, err := o.db.GetConversation(conversationID)
	if err != nil {
		return nil, nil, err
	}
	if conv.UserID != userID {
		return nil, nil, ErrForbidden
	}

	history, err := o.db.GetConversationHistory(conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, history, nil
}

// DeleteConversation removes a conversation and all its messages, and drops
// any still-pending title derivation for it.
func (o *Orchestrator) DeleteConversation(conversationID, userID int64) error {
	conv, err := o.db.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conv.UserID != userID {
		return ErrForbidden
	}

	o.titles.Cancel(conversationID)
	return o.db.DeleteConversation(conversationID)
}
