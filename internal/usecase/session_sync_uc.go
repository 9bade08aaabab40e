package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog"

	"chatiq/internal/domain"
	"chatiq/internal/domain/model"
	"chatiq/internal/domain/ports/repository"
	"chatiq/internal/infra/metrics"
)

// Synchronizer states.
type SessionState string

const (
	StateSignedOut SessionState = "signed_out"
	StateDraft     SessionState = "draft"
	StateActive    SessionState = "active"
)

// FSM triggers.
const (
	triggerSignedIn  = "signed_in"
	triggerSelect    = "select"
	triggerFirstSave = "first_save"
	triggerNewChat   = "new_chat"
	triggerSignOut   = "sign_out"
)

// draftGreeting is the synthetic turn shown for an empty draft. Never persisted.
func draftGreeting() *model.Message {
	return model.NewTextMessage("", model.SenderBot, "Start a new conversation!")
}

// Compile-time check
var _ SessionSynchronizer = (*sessionSync)(nil)

// SessionSynchronizer is the single source of truth for which conversation is
// active and for converting a draft conversation into a persisted one exactly
// once. One instance per client (browser tab).
type SessionSynchronizer interface {
	// RestoreOrStartSession loads the user's session list, reads the durable
	// pointer and resumes the stored session when it still exists, otherwise
	// falls back to a draft. A failed existence check degrades to draft
	// without surfacing an error.
	RestoreOrStartSession(ctx context.Context, userID string) error

	// SelectSession activates a session from the list. No-op when already
	// active. Detaches the previous message subscription before attaching the
	// new one and persists the pointer.
	SelectSession(ctx context.Context, sessionID string) error

	// StartDraft resets to an unsaved draft conversation.
	StartDraft(ctx context.Context) error

	// EnsurePersisted returns the active session id, creating the backing
	// session first when still in draft. The only entry point allowed to
	// transition Draft -> Active; concurrent callers are serialized.
	EnsurePersisted(ctx context.Context, previewText string, hasImage bool) (string, error)

	// DeleteSession removes the session and all its messages. When it was the
	// active session, the synchronizer falls back to a draft.
	DeleteSession(ctx context.Context, sessionID string) error

	// SignOut clears the pointer mirror and detaches all live subscriptions.
	SignOut(ctx context.Context) error

	State() SessionState
	UserID() string
	ActiveSessionID() string
	Messages() []*model.Message
	Sessions() []*model.Session
}

type sessionSync struct {
	convo    repository.ConversationRepository
	pointer  repository.PointerRepository
	log      *zerolog.Logger
	clientID string

	mu       sync.Mutex
	fsm      *stateless.StateMachine
	userID   string
	activeID string

	msgUnsub  repository.Unsubscribe
	sessUnsub repository.Unsubscribe

	viewMu   sync.RWMutex
	messages []*model.Message
	sessions []*model.Session
}

func NewSessionSynchronizer(convo repository.ConversationRepository, pointer repository.PointerRepository, clientID string, log *zerolog.Logger) *sessionSync {
	s := &sessionSync{
		convo:    convo,
		pointer:  pointer,
		log:      log,
		clientID: clientID,
	}

	fsm := stateless.NewStateMachine(StateSignedOut)
	fsm.Configure(StateSignedOut).
		Permit(triggerSignedIn, StateDraft)
	fsm.Configure(StateDraft).
		Permit(triggerFirstSave, StateActive).
		Permit(triggerSelect, StateActive).
		PermitReentry(triggerNewChat).
		Permit(triggerSignOut, StateSignedOut)
	fsm.Configure(StateActive).
		PermitReentry(triggerSelect).
		Permit(triggerNewChat, StateDraft).
		Permit(triggerSignOut, StateSignedOut)
	s.fsm = fsm
	return s
}

func (s *sessionSync) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

// state reads the FSM under s.mu.
func (s *sessionSync) state() SessionState {
	return s.fsm.MustState().(SessionState)
}

func (s *sessionSync) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *sessionSync) ActiveSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *sessionSync) Messages() []*model.Message {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	out := make([]*model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *sessionSync) Sessions() []*model.Session {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	out := make([]*model.Session, len(s.sessions))
	copy(out, s.sessions)
	return out
}

func (s *sessionSync) RestoreOrStartSession(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer logDuration(s.log, "SessionSync.RestoreOrStartSession")()

	if s.state() != StateSignedOut {
		return fmt.Errorf("%w: already signed in", domain.ErrInvalidArgument)
	}
	s.userID = userID
	if err := s.fsm.Fire(triggerSignedIn); err != nil {
		return err
	}
	s.resetDraftView()

	if err := s.attachSessionList(ctx); err != nil {
		// Roll back: the session list subscription is required for a usable
		// signed-in state.
		_ = s.fsm.Fire(triggerSignOut)
		s.userID = ""
		return fmt.Errorf("%w: %v", domain.ErrStorageFailure, err)
	}

	// Pointer restore is informational only; every failure degrades to draft.
	stored, err := s.pointer.GetActive(ctx, userID, s.clientID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.Debug().Err(err).Msg("pointer read failed; starting draft")
		}
		return nil
	}
	if _, err := s.convo.GetSession(ctx, userID, stored); err != nil {
		s.log.Debug().Str("session_id", stored).Err(err).Msg("stored session gone; starting draft")
		_ = s.pointer.ClearActive(ctx, userID, s.clientID)
		return nil
	}
	if err := s.selectLocked(ctx, stored, triggerSelect); err != nil {
		s.log.Debug().Str("session_id", stored).Err(err).Msg("restore select failed; staying in draft")
	}
	return nil
}

func (s *sessionSync) SelectSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state() == StateSignedOut {
		return domain.ErrSignedOut
	}
	if sessionID == "" {
		return domain.ErrInvalidArgument
	}
	if s.activeID == sessionID {
		return nil
	}
	if _, err := s.convo.GetSession(ctx, s.userID, sessionID); err != nil {
		return err
	}
	return s.selectLocked(ctx, sessionID, triggerSelect)
}

// selectLocked attaches the message subscription for sessionID and persists the
// pointer. Called with s.mu held. The previous subscription is detached first
// so at most one listener writes into the view at any time. trigger is
// triggerSelect for picking from the list and triggerFirstSave for the lazy
// draft persist.
func (s *sessionSync) selectLocked(ctx context.Context, sessionID, trigger string) error {
	prevUnsub := s.msgUnsub
	if prevUnsub != nil {
		prevUnsub()
		s.msgUnsub = nil
	}

	unsub, err := s.convo.SubscribeMessages(ctx, s.userID, sessionID,
		func(msgs []*model.Message) {
			s.viewMu.Lock()
			s.messages = msgs
			s.viewMu.Unlock()
		},
		func(err error) {
			s.log.Warn().Str("session_id", sessionID).Err(err).Msg("message subscription error")
		},
	)
	if err != nil {
		// No partial transition: the state machine stays where it was and the
		// view keeps whatever it had.
		return fmt.Errorf("%w: subscribe messages: %v", domain.ErrStorageFailure, err)
	}
	s.msgUnsub = unsub
	s.activeID = sessionID
	if err := s.fsm.Fire(trigger); err != nil {
		// This only fires when called in a state that does not permit the
		// trigger, e.g. first_save outside of draft.
		unsub()
		s.msgUnsub = nil
		s.activeID = ""
		return err
	}
	if err := s.pointer.SetActive(ctx, s.userID, s.clientID, sessionID); err != nil {
		s.log.Warn().Err(err).Msg("pointer mirror write failed")
	}
	return nil
}

func (s *sessionSync) StartDraft(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state() == StateSignedOut {
		return domain.ErrSignedOut
	}
	return s.startDraftLocked(ctx)
}

func (s *sessionSync) startDraftLocked(ctx context.Context) error {
	if s.msgUnsub != nil {
		s.msgUnsub()
		s.msgUnsub = nil
	}
	s.activeID = ""
	s.resetDraftView()
	if err := s.fsm.Fire(triggerNewChat); err != nil {
		return err
	}
	if err := s.pointer.ClearActive(ctx, s.userID, s.clientID); err != nil {
		s.log.Warn().Err(err).Msg("pointer mirror clear failed")
	}
	return nil
}

func (s *sessionSync) EnsurePersisted(ctx context.Context, previewText string, hasImage bool) (string, error) {
	// The whole Draft -> Active transition runs under s.mu: a second submit
	// racing the first blocks here and then observes Active.
	s.mu.Lock()
	defer s.mu.Unlock()
	defer logDuration(s.log, "SessionSync.EnsurePersisted")()

	switch s.state() {
	case StateSignedOut:
		return "", domain.ErrSignedOut
	case StateActive:
		return s.activeID, nil
	}

	sess := model.NewSession("", s.userID, model.DeriveTitle(previewText, hasImage))
	if err := s.convo.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("%w: create session: %v", domain.ErrStorageFailure, err)
	}
	metrics.IncSessionCreated()

	if err := s.selectLocked(ctx, sess.ID, triggerFirstSave); err != nil {
		// The session record exists but is empty; equivalent to a session the
		// user abandoned immediately. The synchronizer stays in draft.
		return "", err
	}
	return sess.ID, nil
}

func (s *sessionSync) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state() == StateSignedOut {
		return domain.ErrSignedOut
	}
	if err := s.convo.DeleteSession(ctx, s.userID, sessionID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: delete session: %v", domain.ErrStorageFailure, err)
	}
	if s.activeID == sessionID {
		return s.startDraftLocked(ctx)
	}
	return nil
}

func (s *sessionSync) SignOut(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state() == StateSignedOut {
		return nil
	}
	if s.msgUnsub != nil {
		s.msgUnsub()
		s.msgUnsub = nil
	}
	if s.sessUnsub != nil {
		s.sessUnsub()
		s.sessUnsub = nil
	}
	if err := s.pointer.ClearActive(ctx, s.userID, s.clientID); err != nil {
		s.log.Warn().Err(err).Msg("pointer mirror clear failed on sign-out")
	}
	if err := s.fsm.Fire(triggerSignOut); err != nil {
		return err
	}
	s.userID = ""
	s.activeID = ""
	s.viewMu.Lock()
	s.messages = nil
	s.sessions = nil
	s.viewMu.Unlock()
	return nil
}

func (s *sessionSync) attachSessionList(ctx context.Context) error {
	if s.sessUnsub != nil {
		s.sessUnsub()
		s.sessUnsub = nil
	}
	unsub, err := s.convo.SubscribeSessions(ctx, s.userID,
		func(sessions []*model.Session) {
			s.viewMu.Lock()
			s.sessions = sessions
			s.viewMu.Unlock()
		},
		func(err error) {
			s.log.Warn().Err(err).Msg("session list subscription error")
		},
	)
	if err != nil {
		return err
	}
	s.sessUnsub = unsub
	return nil
}

func (s *sessionSync) resetDraftView() {
	s.viewMu.Lock()
	s.messages = []*model.Message{draftGreeting()}
	s.viewMu.Unlock()
}
