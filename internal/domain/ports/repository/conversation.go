package repository

import (
	"context"

	"chatiq/internal/domain/model"
)

// -----------------------------
// Conversation store
// -----------------------------

// MessagesHandler receives the full ordered message list of the subscribed
// session on every change. The view re-renders from this snapshot rather than
// appending optimistically, so a slow write racing a fast one cannot reorder
// the display.
type MessagesHandler func(messages []*model.Message)

// SessionsHandler receives the user's session list ordered by last activity
// descending on every change.
type SessionsHandler func(sessions []*model.Session)

type ErrorHandler func(err error)

// Unsubscribe detaches a live subscription. Safe to call more than once.
type Unsubscribe func()

// ConversationRepository wraps the remote ordered document collection holding
// Sessions and their Messages, scoped by user id.
type ConversationRepository interface {
	// CreateSession persists a new session. When s.ID is empty the store
	// assigns one and writes it back into s.
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, userID, sessionID string) (*model.Session, error)
	ListSessions(ctx context.Context, userID string) ([]*model.Session, error)

	// DeleteSession removes all messages under the session, then the session
	// record itself.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// SaveMessage assigns the message id and timestamp, appends it to its
	// session and touches the session's LastActivity.
	SaveMessage(ctx context.Context, userID string, m *model.Message) error

	// RecentMessages returns up to limit messages ordered by timestamp
	// descending (most recent first).
	RecentMessages(ctx context.Context, userID, sessionID string, limit int) ([]*model.Message, error)

	// SubscribeMessages delivers the session's messages ordered by timestamp
	// ascending, once immediately and then on every change.
	SubscribeMessages(ctx context.Context, userID, sessionID string, onChange MessagesHandler, onError ErrorHandler) (Unsubscribe, error)

	// SubscribeSessions delivers the user's session list ordered by last
	// activity descending, once immediately and then on every change.
	SubscribeSessions(ctx context.Context, userID string, onChange SessionsHandler, onError ErrorHandler) (Unsubscribe, error)
}
