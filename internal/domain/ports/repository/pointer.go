package repository

import "context"

// PointerRepository is the restart-durable mirror of the active-session
// pointer. One slot per user+client, where a client is a single device or
// tab. Cleared on sign-out.
type PointerRepository interface {
	SetActive(ctx context.Context, userID, clientID, sessionID string) error
	// GetActive returns domain.ErrNotFound when the slot is unset.
	GetActive(ctx context.Context, userID, clientID string) (string, error)
	ClearActive(ctx context.Context, userID, clientID string) error
}
