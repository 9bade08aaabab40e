package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"chatiq/internal/domain"
	"chatiq/internal/domain/model"
	"chatiq/internal/domain/ports/repository"
	"chatiq/internal/infra/metrics"
	red "chatiq/internal/infra/redis"
)

const uniqueViolation = "23505"

var _ repository.ConversationRepository = (*ConversationRepo)(nil)

// ConversationRepo persists sessions and messages in Postgres. Change
// subscriptions are implemented with a short polling ticker: unlike the
// Firestore backend there is no server-side snapshot listener, so the feed is
// a backend property rather than part of the port contract.
type ConversationRepo struct {
	pool         *pgxpool.Pool
	cache        *red.SessionCache
	pollInterval time.Duration
	log          *zerolog.Logger
}

func NewConversationRepo(pool *pgxpool.Pool, cache *red.SessionCache, pollInterval time.Duration, log *zerolog.Logger) *ConversationRepo {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &ConversationRepo{pool: pool, cache: cache, pollInterval: pollInterval, log: log}
}

func (r *ConversationRepo) CreateSession(ctx context.Context, s *model.Session) error {
	if s.ID == "" {
		s.ID = ulid.Make().String()
	}
	const q = `
INSERT INTO sessions (id, user_id, title, created_at, last_activity)
VALUES ($1,$2,$3,$4,$5);`
	_, err := r.pool.Exec(ctx, q, s.ID, s.UserID, s.Title, s.CreatedAt, s.LastActivity)
	metrics.IncStoreOp("create_session", err == nil)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	if r.cache != nil {
		_ = r.cache.Invalidate(ctx, s.UserID)
	}
	return nil
}

func (r *ConversationRepo) GetSession(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	const q = `
SELECT id, user_id, title, created_at, last_activity
  FROM sessions WHERE id=$1 AND user_id=$2;`
	var s model.Session
	err := r.pool.QueryRow(ctx, q, sessionID, userID).
		Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.LastActivity)
	metrics.IncStoreOp("get_session", err == nil)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

func (r *ConversationRepo) ListSessions(ctx context.Context, userID string) ([]*model.Session, error) {
	if r.cache != nil {
		if sessions, err := r.cache.GetList(ctx, userID); err == nil {
			return sessions, nil
		}
	}
	sessions, err := r.listSessions(ctx, userID)
	metrics.IncStoreOp("list_sessions", err == nil)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		_ = r.cache.StoreList(ctx, userID, sessions)
	}
	return sessions, nil
}

func (r *ConversationRepo) listSessions(ctx context.Context, userID string) ([]*model.Session, error) {
	const q = `
SELECT id, user_id, title, created_at, last_activity
  FROM sessions WHERE user_id=$1 ORDER BY last_activity DESC;`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.LastActivity); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *ConversationRepo) DeleteSession(ctx context.Context, userID, sessionID string) error {
	// Messages first, session row last, in one tx: a failure midway never
	// leaves messages without their session.
	const qMsgs = `
DELETE FROM messages WHERE session_id IN
  (SELECT id FROM sessions WHERE id=$1 AND user_id=$2);`
	const qSess = `DELETE FROM sessions WHERE id=$1 AND user_id=$2;`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		metrics.IncStoreOp("delete_session", false)
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, qMsgs, sessionID, userID); err != nil {
		metrics.IncStoreOp("delete_session", false)
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(ctx, qSess, sessionID, userID); err != nil {
		metrics.IncStoreOp("delete_session", false)
		return fmt.Errorf("delete session: %w", err)
	}
	err = tx.Commit(ctx)
	metrics.IncStoreOp("delete_session", err == nil)
	if err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	if r.cache != nil {
		_ = r.cache.Invalidate(ctx, userID)
	}
	return nil
}

func (r *ConversationRepo) SaveMessage(ctx context.Context, userID string, m *model.Message) error {
	// Ownership check via the session row; messages carry no user_id column.
	if _, err := r.GetSession(ctx, userID, m.SessionID); err != nil {
		return err
	}

	now := time.Now().UTC()
	m.ID = ulid.Make().String()
	m.Timestamp = now

	const q = `
INSERT INTO messages (id, session_id, sender, type, content, mime_type, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7);`
	_, err := r.pool.Exec(ctx, q, m.ID, m.SessionID, string(m.Sender), string(m.Type), m.Content, m.MimeType, m.Timestamp)
	metrics.IncStoreOp("save_message", err == nil)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	const qTouch = `UPDATE sessions SET last_activity=$2 WHERE id=$1 AND last_activity < $2;`
	if _, err := r.pool.Exec(ctx, qTouch, m.SessionID, now); err != nil {
		r.log.Warn().Str("session_id", m.SessionID).Err(err).Msg("last_activity touch failed")
	}
	if r.cache != nil {
		_ = r.cache.Invalidate(ctx, userID)
	}
	return nil
}

func (r *ConversationRepo) RecentMessages(ctx context.Context, userID, sessionID string, limit int) ([]*model.Message, error) {
	const q = `
SELECT m.id, m.session_id, m.sender, m.type, m.content, m.mime_type, m.created_at
  FROM messages m JOIN sessions s ON s.id = m.session_id
 WHERE m.session_id=$1 AND s.user_id=$2
 ORDER BY m.created_at DESC LIMIT $3;`
	rows, err := r.pool.Query(ctx, q, sessionID, userID, limit)
	metrics.IncStoreOp("recent_messages", err == nil)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *ConversationRepo) ascMessages(ctx context.Context, userID, sessionID string) ([]*model.Message, error) {
	const q = `
SELECT m.id, m.session_id, m.sender, m.type, m.content, m.mime_type, m.created_at
  FROM messages m JOIN sessions s ON s.id = m.session_id
 WHERE m.session_id=$1 AND s.user_id=$2
 ORDER BY m.created_at ASC;`
	rows, err := r.pool.Query(ctx, q, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]*model.Message, error) {
	var out []*model.Message
	for rows.Next() {
		var m model.Message
		var sender, typ string
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &typ, &m.Content, &m.MimeType, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Sender = model.Sender(sender)
		m.Type = model.MessageType(typ)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ---- polled change feed ----

func (r *ConversationRepo) SubscribeMessages(ctx context.Context, userID, sessionID string, onChange repository.MessagesHandler, onError repository.ErrorHandler) (repository.Unsubscribe, error) {
	return r.poll(func(pollCtx context.Context, last *string) (bool, error) {
		msgs, err := r.ascMessages(pollCtx, userID, sessionID)
		if err != nil {
			return false, err
		}
		fp := fingerprintMessages(msgs)
		if fp == *last {
			return false, nil
		}
		*last = fp
		onChange(msgs)
		return true, nil
	}, onError)
}

func (r *ConversationRepo) SubscribeSessions(ctx context.Context, userID string, onChange repository.SessionsHandler, onError repository.ErrorHandler) (repository.Unsubscribe, error) {
	return r.poll(func(pollCtx context.Context, last *string) (bool, error) {
		sessions, err := r.listSessions(pollCtx, userID)
		if err != nil {
			return false, err
		}
		fp := fingerprintSessions(sessions)
		if fp == *last {
			return false, nil
		}
		*last = fp
		onChange(sessions)
		return true, nil
	}, onError)
}

// poll runs tick until unsubscribed. An unset fingerprint forces the initial
// delivery; query failures are reported but do not stop the feed.
func (r *ConversationRepo) poll(tick func(context.Context, *string) (bool, error), onError repository.ErrorHandler) (repository.Unsubscribe, error) {
	feedCtx, cancel := context.WithCancel(context.Background())
	metrics.SubscriptionAttached()

	go func() {
		last := "\x00unset"
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			if _, err := tick(feedCtx, &last); err != nil {
				if feedCtx.Err() != nil {
					return
				}
				onError(err)
			}
			select {
			case <-feedCtx.Done():
				return
			case <-ticker.C:
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

func fingerprintMessages(msgs []*model.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return fmt.Sprintf("%d:%s", len(msgs), msgs[len(msgs)-1].ID)
}

func fingerprintSessions(sessions []*model.Session) string {
	if len(sessions) == 0 {
		return ""
	}
	first := sessions[0]
	return fmt.Sprintf("%d:%s:%d", len(sessions), first.ID, first.LastActivity.UnixNano())
}
