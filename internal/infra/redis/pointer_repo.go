package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatiq/internal/domain"
	"chatiq/internal/domain/ports/repository"
)

var _ repository.PointerRepository = (*PointerRepo)(nil)

// PointerRepo is the durable mirror of the active-session pointer. The slot
// expires after the TTL, bounding how long a dormant client keeps its place.
type PointerRepo struct {
	client RedisClient
	ttl    time.Duration
}

func NewPointerRepo(client RedisClient, ttl time.Duration) *PointerRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PointerRepo{client: client, ttl: ttl}
}

func (p *PointerRepo) slotKey(userID, clientID string) string {
	return fmt.Sprintf("active_session:%s:%s", userID, clientID)
}

func (p *PointerRepo) SetActive(ctx context.Context, userID, clientID, sessionID string) error {
	return p.client.Set(ctx, p.slotKey(userID, clientID), sessionID, p.ttl)
}

func (p *PointerRepo) GetActive(ctx context.Context, userID, clientID string) (string, error) {
	v, err := p.client.Get(ctx, p.slotKey(userID, clientID))
	if err != nil {
		if errors.Is(err, Nil) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return v, nil
}

func (p *PointerRepo) ClearActive(ctx context.Context, userID, clientID string) error {
	return p.client.Del(ctx, p.slotKey(userID, clientID))
}
