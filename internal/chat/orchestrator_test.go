package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/multichat-dev/multichat/internal/db"
	"github.com/multichat-dev/multichat/internal/llm"
	"github.com/multichat-dev/multichat/internal/models"
)

// fakeGenerator satisfies Generator and Titler, recording what the
// orchestrator asked for.
type fakeGenerator struct {
	mu         sync.Mutex
	reply      string
	err        error
	title      string
	prompts    [][]openai.ChatCompletionMessage
	titleCalls int
}

func (f *fakeGenerator) Complete(_ context.Context, messages []openai.ChatCompletionMessage, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, messages)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeGenerator) DeriveTitle(_ context.Context, _ string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titleCalls++
	return f.title
}

func (f *fakeGenerator) titleCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.titleCalls
}

func (f *fakeGenerator) lastPrompt() []openai.ChatCompletionMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return nil
	}
	return f.prompts[len(f.prompts)-1]
}

func newTestOrchestrator(t *testing.T, gen *fakeGenerator, titleDelay time.Duration) (*Orchestrator, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	titles := NewTitleScheduler(database, gen, titleDelay, zap.NewNop())
	t.Cleanup(titles.Stop)

	return NewOrchestrator(database, gen, titles, zap.NewNop()), database
}

func newTestUser(t *testing.T, database *db.Database, username string) *models.User {
	t.Helper()
	user, err := database.CreateUser(username, username+"@example.com", "hash")
	require.NoError(t, err)
	return user
}

func waitForTitle(t *testing.T, database *db.Database, convID int64, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conv, err := database.GetConversation(convID)
		require.NoError(t, err)
		if conv.Title == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("conversation %d never reached title %q", convID, want)
}

func TestSendMessageNewConversation(t *testing.T) {
	gen := &fakeGenerator{reply: "Hello! How can I help?", title: "Friendly greeting"}
	o, database := newTestOrchestrator(t, gen, 20*time.Millisecond)
	user := newTestUser(t, database, "alice")

	result, err := o.SendMessage(context.Background(), SendRequest{
		UserID: user.ID,
		Text:   "Hi",
		Model:  "gpt-4",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Conversation)
	assert.Equal(t, llm.PlaceholderTitle, result.Conversation.Title)
	assert.Equal(t, "gpt-4", result.Conversation.Model)
	assert.Equal(t, models.RoleAssistant, result.Message.Role)
	assert.Equal(t, "Hello! How can I help?", result.Message.Content)

	// Exactly one user and one assistant message, paired in order.
	history, err := database.GetConversationHistory(result.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, "Hi", history[0].Content)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.False(t, history[1].CreatedAt.Before(history[0].CreatedAt))

	// The deferred derivation replaces the placeholder after the delay.
	waitForTitle(t, database, result.Conversation.ID, "Friendly greeting")
}

func TestSendMessageDefaultsModel(t *testing.T) {
	gen := &fakeGenerator{reply: "ok", title: "t"}
	o, database := newTestOrchestrator(t, gen, time.Minute)
	user := newTestUser(t, database, "alice")

	result, err := o.SendMessage(context.Background(), SendRequest{UserID: user.ID, Text: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, llm.DefaultModel, result.Conversation.Model)
}

func TestSendMessageRejectsEmptyInput(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	o, database := newTestOrchestrator(t, gen, time.Minute)
	user := newTestUser(t, database, "alice")

	_, err := o.SendMessage(context.Background(), SendRequest{UserID: user.ID})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	convs, err := database.GetConversations(user.ID)
	require.NoError(t, err)
	assert.Empty(t, convs, "nothing may be written before validation")
}

func TestSendMessageAttachmentOnly(t *testing.T) {
	gen := &fakeGenerator{reply: "That is a cat.", title: "t"}
	o, database := newTestOrchestrator(t, gen, time.Minute)
	user := newTestUser(t, database, "alice")

	result, err := o.SendMessage(context.Background(), SendRequest{
		UserID:   user.ID,
		Text:     "",
		ImageURL: "img-ref-1",
		Model:    "gpt-4-vision-preview",
	})
	require.NoError(t, err)

	// The attachment turn reaches the backend as a two-part block.
	prompt := gen.lastPrompt()
	require.Len(t, prompt, 1)
	require.Len(t, prompt[0].MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, prompt[0].MultiContent[0].Type)
	assert.Empty(t, prompt[0].MultiContent[0].Text)
	assert.Equal(t, "img-ref-1", prompt[0].MultiContent[1].ImageURL.URL)

	history, err := database.GetConversationHistory(result.Conversation.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "img-ref-1", history[0].ImageURL)
}

func TestSendMessageUnknownConversation(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	o, database := newTestOrchestrator(t, gen, time.Minute)
	user := newTestUser(t, database, "alice")

	_, err := o.SendMessage(context.Background(), SendRequest{
		UserID:         user.ID,
		ConversationID: 404,
		Text:           "Hi",
	})
	assert.ErrorIs(t, err, db.ErrNotFound)

	history, err := database.GetConversationHistory(404)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendMessageForeignConversation(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	o, database := newTestOrchestrator(t, gen, time.Minute)
	alice := newTestUser(t, database, "alice")
	bob := newTestUser(t, database, "bob")

	conv, err := database.CreateConversation(bob.ID, "Bob's chat", "gpt-4")
	require.NoError(t, err)

	_, err = o.SendMessage(context.Background(), SendRequest{
		UserID:         alice.ID,
		ConversationID: conv.ID,
		Text:           "let me in",
	})
	assert.ErrorIs(t, err, ErrForbidden)

	history, err := database.GetConversationHistory(conv.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendMessageBackendFailureKeepsUserTurn(t *testing.T) {
	backendErr := &llm.BackendError{Kind: llm.KindRateLimited, Message: "slow down"}
	gen := &fakeGenerator{err: backendErr}
	o, database := newTestOrchestrator(t, gen, time.Minute)
	user := newTestUser(t, database, "alice")

	conv, err := database.CreateConversation(user.ID, llm.PlaceholderTitle, "gpt-4")
	require.NoError(t, err)

	_, err = o.SendMessage(context.Background(), SendRequest{
		UserID:         user.ID,
		ConversationID: conv.ID,
		Text:           "Hi",
	})
	require.Error(t, err)

	var got *llm.BackendError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, llm.KindRateLimited, got.Kind)

	// One generation attempt, no internal retry.
	gen.mu.Lock()
	attempts := len(gen.prompts)
	gen.mu.Unlock()
	assert.Equal(t, 1, attempts)

	// The user's message survives; no assistant message was written.
	history, err := database.GetConversationHistory(conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.RoleUser, history[0].Role)
}

func TestSendMessageUsesFullTranscript(t *testing.T) {
	gen := &fakeGenerator{reply: "reply", title: "t"}
	o, database := newTestOrchestrator(t, gen, time.Minute)
	user := newTestUser(t, database, "alice")

	first, err := o.SendMessage(context.Background(), SendRequest{UserID: user.ID, Text: "one"})
	require.NoError(t, err)

	_, err = o.SendMessage(context.Background(), SendRequest{
		UserID:         user.ID,
		ConversationID: first.Conversation.ID,
		Text:           "two",
	})
	require.NoError(t, err)

	// Second call sees user/assistant/user, in stored order.
	prompt := gen.lastPrompt()
	require.Len(t, prompt, 3)
	assert.Equal(t, "one", prompt[0].Content)
	assert.Equal(t, "reply", prompt[1].Content)
	assert.Equal(t, "two", prompt[2].Content)
}

func TestTitleDerivedOnlyOnce(t *testing.T) {
	gen := &fakeGenerator{reply: "reply", title: "Derived title"}
	o, database := newTestOrchestrator(t, gen, 20*time.Millisecond)
	user := newTestUser(t, database, "alice")

	first, err := o.SendMessage(context.Background(), SendRequest{UserID: user.ID, Text: "one"})
	require.NoError(t, err)
	convID := first.Conversation.ID

	waitForTitle(t, database, convID, "Derived title")

	for _, text := range []string{"two", "three"} {
		_, err := o.SendMessage(context.Background(), SendRequest{
			UserID:         user.ID,
			ConversationID: convID,
			Text:           text,
		})
		require.NoError(t, err)
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, gen.titleCallCount())
}

func TestDeleteConversationCancelsPendingTitle(t *testing.T) {
	gen := &fakeGenerator{reply: "reply", title: "Derived title"}
	o, database := newTestOrchestrator(t, gen, 50*time.Millisecond)
	user := newTestUser(t, database, "alice")

	first, err := o.SendMessage(context.Background(), SendRequest{UserID: user.ID, Text: "one"})
	require.NoError(t, err)

	require.NoError(t, o.DeleteConversation(first.Conversation.ID, user.ID))

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, gen.titleCallCount(), "deleted conversation must not derive a title")

	_, err = database.GetConversation(first.Conversation.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestDeleteConversationOwnership(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	o, database := newTestOrchestrator(t, gen, time.Minute)
	alice := newTestUser(t, database, "alice")
	bob := newTestUser(t, database, "bob")

	conv, err := database.CreateConversation(bob.ID, "Bob's chat", "gpt-4")
	require.NoError(t, err)

	err = o.DeleteConversation(conv.ID, alice.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = database.GetConversation(conv.ID)
	require.NoError(t, err)
}

func TestGetConversationOwnership(t *testing.T) {
	gen := &fakeGenerator{reply: "ok", title: "t"}
	o, database := newTestOrchestrator(t, gen, time.Minute)
	alice := newTestUser(t, database, "alice")
	bob := newTestUser(t, database, "bob")

	result, err := o.SendMessage(context.Background(), SendRequest{UserID: alice.ID, Text: "Hi"})
	require.NoError(t, err)

	conv, history, err := o.GetConversation(result.Conversation.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, conv.UserID)
	assert.Len(t, history, 2)

	_, _, err = o.GetConversation(result.Conversation.ID, bob.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, _, err = o.GetConversation(9999, alice.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}
