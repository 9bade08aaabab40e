package redis

import (
	"context"
	"encoding/json"
	"time"

	"chatiq/internal/domain/model"
)

// SessionCache keeps a user's session list warm so the sidebar does not hit
// the store on every read. Invalidated on any session mutation; reads are
// best-effort.
type SessionCache struct {
	client RedisClient
	ttl    time.Duration
}

func NewSessionCache(client RedisClient, ttl time.Duration) *SessionCache {
	return &SessionCache{client: client, ttl: ttl}
}

func (c *SessionCache) listKey(userID string) string {
	return "session_list:" + userID
}

func (c *SessionCache) StoreList(ctx context.Context, userID string, sessions []*model.Session) error {
	data, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.listKey(userID), data, c.ttl)
}

func (c *SessionCache) GetList(ctx context.Context, userID string) ([]*model.Session, error) {
	data, err := c.client.Get(ctx, c.listKey(userID))
	if err != nil {
		return nil, err
	}
	var sessions []*model.Session
	if err := json.Unmarshal([]byte(data), &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *SessionCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, c.listKey(userID))
}
