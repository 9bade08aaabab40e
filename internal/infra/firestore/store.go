package firestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"chatiq/internal/domain"
	"chatiq/internal/domain/model"
	"chatiq/internal/domain/ports/repository"
	"chatiq/internal/infra/metrics"
)

// cascade deletes run in chunks; Firestore caps a WriteBatch at 500 writes.
const batchLimit = 500

var _ repository.ConversationRepository = (*Store)(nil)

// Store persists sessions and messages in Firestore under
// users/{userID}/sessions and users/{userID}/sessions/{sessionID}/messages.
// Message ids are ULIDs minted at write time, so lexicographic id order
// matches timestamp order.
type Store struct {
	client *firestore.Client
	log    *zerolog.Logger
}

func NewStore(ctx context.Context, projectID string, log *zerolog.Logger) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: firestore project id is empty", domain.ErrConfiguration)
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &Store{client: client, log: log}, nil
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) sessionsCol(userID string) *firestore.CollectionRef {
	return s.client.Collection("users").Doc(userID).Collection("sessions")
}

func (s *Store) sessionDoc(userID, sessionID string) *firestore.DocumentRef {
	return s.sessionsCol(userID).Doc(sessionID)
}

func (s *Store) messagesCol(userID, sessionID string) *firestore.CollectionRef {
	return s.sessionDoc(userID, sessionID).Collection("messages")
}

type sessionDoc struct {
	UserID       string    `firestore:"user_id"`
	Title        string    `firestore:"title"`
	CreatedAt    time.Time `firestore:"created_at"`
	LastActivity time.Time `firestore:"last_activity"`
}

type messageDoc struct {
	SessionID string    `firestore:"session_id"`
	Sender    string    `firestore:"sender"`
	Type      string    `firestore:"type"`
	Content   string    `firestore:"content"`
	MimeType  string    `firestore:"mime_type,omitempty"`
	Timestamp time.Time `firestore:"timestamp"`
}

func (d sessionDoc) toModel(id string) *model.Session {
	return &model.Session{
		ID:           id,
		UserID:       d.UserID,
		Title:        d.Title,
		CreatedAt:    d.CreatedAt,
		LastActivity: d.LastActivity,
	}
}

func (d messageDoc) toModel(id string) *model.Message {
	return &model.Message{
		ID:        id,
		SessionID: d.SessionID,
		Sender:    model.Sender(d.Sender),
		Type:      model.MessageType(d.Type),
		Content:   d.Content,
		MimeType:  d.MimeType,
		Timestamp: d.Timestamp,
	}
}

func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	ref := s.sessionsCol(sess.UserID).NewDoc()
	if sess.ID != "" {
		ref = s.sessionDoc(sess.UserID, sess.ID)
	}
	doc := sessionDoc{
		UserID:       sess.UserID,
		Title:        sess.Title,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
	}
	_, err := ref.Create(ctx, doc)
	metrics.IncStoreOp("create_session", err == nil)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("firestore CreateSession: %w", err)
	}
	sess.ID = ref.ID
	return nil
}

func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	snap, err := s.sessionDoc(userID, sessionID).Get(ctx)
	metrics.IncStoreOp("get_session", err == nil)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("firestore GetSession: %w", err)
	}
	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore GetSession decode: %w", err)
	}
	return doc.toModel(snap.Ref.ID), nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]*model.Session, error) {
	q := s.sessionsCol(userID).OrderBy("last_activity", firestore.Desc)
	sessions, err := s.decodeSessions(q.Documents(ctx))
	metrics.IncStoreOp("list_sessions", err == nil)
	return sessions, err
}

func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	// Messages first, then the session record, mirroring the cascade the UI
	// depends on: a deleted session must leave no orphaned messages behind.
	it := s.messagesCol(userID, sessionID).Documents(ctx)
	defer it.Stop()

	batch := s.client.Batch()
	n := 0
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			metrics.IncStoreOp("delete_session", false)
			return fmt.Errorf("firestore DeleteSession iterate: %w", err)
		}
		batch.Delete(snap.Ref)
		n++
		if n == batchLimit {
			if _, err := batch.Commit(ctx); err != nil {
				metrics.IncStoreOp("delete_session", false)
				return fmt.Errorf("firestore DeleteSession batch: %w", err)
			}
			batch = s.client.Batch()
			n = 0
		}
	}
	if n > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			metrics.IncStoreOp("delete_session", false)
			return fmt.Errorf("firestore DeleteSession batch: %w", err)
		}
	}

	_, err := s.sessionDoc(userID, sessionID).Delete(ctx)
	metrics.IncStoreOp("delete_session", err == nil)
	if err != nil {
		return fmt.Errorf("firestore DeleteSession: %w", err)
	}
	return nil
}

func (s *Store) SaveMessage(ctx context.Context, userID string, m *model.Message) error {
	now := time.Now().UTC()
	m.ID = ulid.Make().String()
	m.Timestamp = now

	doc := messageDoc{
		SessionID: m.SessionID,
		Sender:    string(m.Sender),
		Type:      string(m.Type),
		Content:   m.Content,
		MimeType:  m.MimeType,
		Timestamp: m.Timestamp,
	}
	_, err := s.messagesCol(userID, m.SessionID).Doc(m.ID).Create(ctx, doc)
	metrics.IncStoreOp("save_message", err == nil)
	if err != nil {
		return fmt.Errorf("firestore SaveMessage: %w", err)
	}

	// Touch last_activity so the session list reorders. Best-effort: the
	// message itself is already durable.
	_, err = s.sessionDoc(userID, m.SessionID).Update(ctx, []firestore.Update{
		{Path: "last_activity", Value: now},
	})
	if err != nil {
		s.log.Warn().Str("session_id", m.SessionID).Err(err).Msg("last_activity touch failed")
	}
	return nil
}

func (s *Store) RecentMessages(ctx context.Context, userID, sessionID string, limit int) ([]*model.Message, error) {
	q := s.messagesCol(userID, sessionID).OrderBy("timestamp", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	msgs, err := s.decodeMessages(q.Documents(ctx))
	metrics.IncStoreOp("recent_messages", err == nil)
	return msgs, err
}

func (s *Store) decodeSessions(it *firestore.DocumentIterator) ([]*model.Session, error) {
	defer it.Stop()
	var out []*model.Session
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("firestore sessions iterate: %w", err)
		}
		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode sessionDoc: %w", err)
		}
		out = append(out, doc.toModel(snap.Ref.ID))
	}
}

func (s *Store) decodeMessages(it *firestore.DocumentIterator) ([]*model.Message, error) {
	defer it.Stop()
	var out []*model.Message
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("firestore messages iterate: %w", err)
		}
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}
		out = append(out, doc.toModel(snap.Ref.ID))
	}
}

// ---- live subscriptions ----

func (s *Store) SubscribeMessages(ctx context.Context, userID, sessionID string, onChange repository.MessagesHandler, onError repository.ErrorHandler) (repository.Unsubscribe, error) {
	q := s.messagesCol(userID, sessionID).OrderBy("timestamp", firestore.Asc)
	return s.watch(q, func(it *firestore.DocumentIterator) error {
		msgs, err := s.decodeMessages(it)
		if err != nil {
			return err
		}
		onChange(msgs)
		return nil
	}, onError)
}

func (s *Store) SubscribeSessions(ctx context.Context, userID string, onChange repository.SessionsHandler, onError repository.ErrorHandler) (repository.Unsubscribe, error) {
	q := s.sessionsCol(userID).OrderBy("last_activity", firestore.Desc)
	return s.watch(q, func(it *firestore.DocumentIterator) error {
		sessions, err := s.decodeSessions(it)
		if err != nil {
			return err
		}
		onChange(sessions)
		return nil
	}, onError)
}

// watch streams query snapshots until unsubscribed. The stream is detached
// from the caller's request context: its lifetime is owned by the returned
// Unsubscribe handle.
func (s *Store) watch(q firestore.Query, deliver func(*firestore.DocumentIterator) error, onError repository.ErrorHandler) (repository.Unsubscribe, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	snaps := q.Snapshots(streamCtx)
	metrics.SubscriptionAttached()

	go func() {
		defer snaps.Stop()
		for {
			snap, err := snaps.Next()
			if err != nil {
				if streamCtx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				onError(fmt.Errorf("firestore snapshot: %w", err))
				return
			}
			if err := deliver(snap.Documents); err != nil {
				onError(err)
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			metrics.SubscriptionDetached()
		})
	}, nil
}
