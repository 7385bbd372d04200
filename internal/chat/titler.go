package chat

import (
	"context"
	"sync"
	"time"

	"github.com/multichat-dev/multichat/internal/db"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultTitleDelay is how long after the opening message a conversation's
// title derivation fires.
const DefaultTitleDelay = 3 * time.Second

const titleTimeout = 30 * time.Second

// Titler derives a short title from a conversation's opening message. It
// must not fail; a placeholder result stands in for any internal error.
type Titler interface {
	DeriveTitle(ctx context.Context, firstMessage string) string
}

// TitleScheduler owns the deferred title derivations. Each conversation
// gets at most one pending one-shot timer; the entry is created on the
// first message and removed when it fires or when the conversation is
// deleted. Firing never blocks a request and its outcome never reaches one:
// if the conversation is gone by then, the write is skipped silently.
type TitleScheduler struct {
	db     *db.Database
	titler Titler
	delay  time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	pending map[int64]*time.Timer
}

func NewTitleScheduler(database *db.Database, titler Titler, delay time.Duration, logger *zap.Logger) *TitleScheduler {
	if delay <= 0 {
		delay = DefaultTitleDelay
	}
	return &TitleScheduler{
		db:      database,
		titler:  titler,
		delay:   delay,
		logger:  logger,
		pending: make(map[int64]*time.Timer),
	}
}

// Schedule arms the one-shot for a conversation. A conversation that
// already has a pending timer is left alone, so racing first messages still
// derive a title only once.
func (s *TitleScheduler) Schedule(conversationID int64, firstMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[conversationID]; ok {
		return
	}
	s.pending[conversationID] = time.AfterFunc(s.delay, func() {
		s.fire(conversationID, firstMessage)
	})
}

func (s *TitleScheduler) fire(conversationID int64, firstMessage string) {
	s.mu.Lock()
	delete(s.pending, conversationID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	title := s.titler.DeriveTitle(ctx, firstMessage)
	if err := s.db.UpdateConversationTitle(conversationID, title); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Conversation was deleted while the timer was pending.
			return
		}
		s.logger.Warn("storing derived title",
			zap.Int64("conversation_id", conversationID),
			zap.Error(err))
		return
	}

	s.logger.Debug("conversation titled",
		zap.Int64("conversation_id", conversationID),
		zap.String("title", title))
}

// Cancel drops the pending timer for a conversation, if any.
func (s *TitleScheduler) Cancel(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.pending[conversationID]; ok {
		timer.Stop()
		delete(s.pending, conversationID)
	}
}

// Stop cancels every pending timer. Used on shutdown.
func (s *TitleScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, timer := range s.pending {
		timer.Stop()
		delete(s.pending, id)
	}
}
