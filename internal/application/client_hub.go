package application

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatiq/internal/domain"
	"chatiq/internal/domain/ports/adapter"
	"chatiq/internal/domain/ports/repository"
	"chatiq/internal/usecase"
)

// ClientHub tracks one SessionSynchronizer per connected client. A client is
// one browser tab or device; the same user can hold several clients, each
// with its own active-session pointer.
type ClientHub struct {
	convo   repository.ConversationRepository
	pointer repository.PointerRepository
	chat    usecase.ChatUseCase
	log     *zerolog.Logger

	// newSync is swappable in tests.
	newSync func(clientID string) usecase.SessionSynchronizer

	mu      sync.RWMutex
	clients map[string]*clientEntry
}

type clientEntry struct {
	userID string
	sync   usecase.SessionSynchronizer

	busyMu sync.Mutex
	busy   bool
}

func NewClientHub(
	convo repository.ConversationRepository,
	pointer repository.PointerRepository,
	chat usecase.ChatUseCase,
	log *zerolog.Logger,
) *ClientHub {
	h := &ClientHub{
		convo:   convo,
		pointer: pointer,
		chat:    chat,
		log:     log,
		clients: make(map[string]*clientEntry),
	}
	h.newSync = func(clientID string) usecase.SessionSynchronizer {
		return usecase.NewSessionSynchronizer(convo, pointer, clientID, log)
	}
	return h
}

// Attach registers a client for the user and restores its conversation state.
// An empty clientID mints a fresh one. Re-attaching an existing client for
// the same user is a no-op returning the existing synchronizer.
func (h *ClientHub) Attach(ctx context.Context, userID, clientID string) (string, usecase.SessionSynchronizer, error) {
	if userID == "" {
		return "", nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidArgument)
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	h.mu.Lock()
	if e, ok := h.clients[clientID]; ok {
		h.mu.Unlock()
		if e.userID != userID {
			return "", nil, fmt.Errorf("%w: client belongs to another user", domain.ErrAuthFailure)
		}
		return clientID, e.sync, nil
	}
	e := &clientEntry{userID: userID, sync: h.newSync(clientID)}
	h.clients[clientID] = e
	h.mu.Unlock()

	if err := e.sync.RestoreOrStartSession(ctx, userID); err != nil {
		h.mu.Lock()
		delete(h.clients, clientID)
		h.mu.Unlock()
		return "", nil, err
	}
	h.log.Debug().Str("user_id", userID).Str("client_id", clientID).Msg("client attached")
	return clientID, e.sync, nil
}

// Sync returns the synchronizer for a client, if attached.
func (h *ClientHub) Sync(clientID string) (usecase.SessionSynchronizer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.clients[clientID]
	if !ok {
		return nil, false
	}
	return e.sync, true
}

// Submit sends one user turn through the chat pipeline. A client has at most
// one turn in flight; a second call while the first is running fails fast
// with ErrBusy instead of queueing.
func (h *ClientHub) Submit(ctx context.Context, clientID, text string, image *adapter.InlineImage) (string, error) {
	h.mu.RLock()
	e, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: unknown client %s", domain.ErrNotFound, clientID)
	}

	e.busyMu.Lock()
	if e.busy {
		e.busyMu.Unlock()
		return "", fmt.Errorf("%w: a message is already in flight", domain.ErrBusy)
	}
	e.busy = true
	e.busyMu.Unlock()
	defer func() {
		e.busyMu.Lock()
		e.busy = false
		e.busyMu.Unlock()
	}()

	return h.chat.Submit(ctx, e.sync, text, image)
}

// SignOut clears the client's pointer and detaches it from the hub. Only the
// owning user may evict a client; a foreign client id fails like Attach does.
func (h *ClientHub) SignOut(ctx context.Context, userID, clientID string) error {
	h.mu.Lock()
	e, ok := h.clients[clientID]
	if ok && e.userID != userID {
		h.mu.Unlock()
		return fmt.Errorf("%w: client belongs to another user", domain.ErrAuthFailure)
	}
	delete(h.clients, clientID)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return e.sync.SignOut(ctx)
}

// DetachUser drops every client belonging to the user, e.g. after an
// identity-change event reports a global sign-out.
func (h *ClientHub) DetachUser(ctx context.Context, userID string) {
	h.mu.Lock()
	var doomed []*clientEntry
	for id, e := range h.clients {
		if e.userID == userID {
			doomed = append(doomed, e)
			delete(h.clients, id)
		}
	}
	h.mu.Unlock()
	for _, e := range doomed {
		if err := e.sync.SignOut(ctx); err != nil {
			h.log.Warn().Err(err).Str("user_id", userID).Msg("sign-out during detach failed")
		}
	}
}

// Len reports attached client count, for health reporting.
func (h *ClientHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
