package web_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatiq/internal/domain"
	"chatiq/internal/domain/model"
	"chatiq/internal/domain/ports/adapter"
	"chatiq/internal/domain/ports/repository"
	"chatiq/internal/usecase"
)

// ---- in-memory conversation store ----

var _ repository.ConversationRepository = (*memConvoRepo)(nil)

type memConvoRepo struct {
	mu       sync.Mutex
	sessions map[string]map[string]*model.Session    // userID -> sessionID -> session
	messages map[string][]*model.Message             // sessionID -> ordered asc
	msgSubs  map[string][]repository.MessagesHandler // sessionID -> handlers
	sessSubs map[string][]repository.SessionsHandler // userID -> handlers
}

func newMemConvoRepo() *memConvoRepo {
	return &memConvoRepo{
		sessions: make(map[string]map[string]*model.Session),
		messages: make(map[string][]*model.Message),
		msgSubs:  make(map[string][]repository.MessagesHandler),
		sessSubs: make(map[string][]repository.SessionsHandler),
	}
}

func (r *memConvoRepo) CreateSession(ctx context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = ulid.Make().String()
	}
	if r.sessions[s.UserID] == nil {
		r.sessions[s.UserID] = make(map[string]*model.Session)
	}
	if _, ok := r.sessions[s.UserID][s.ID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *s
	r.sessions[s.UserID][s.ID] = &cp
	r.notifySessionsLocked(s.UserID)
	return nil
}

func (r *memConvoRepo) GetSession(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID][sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memConvoRepo) ListSessions(ctx context.Context, userID string) ([]*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(userID), nil
}

func (r *memConvoRepo) DeleteSession(ctx context.Context, userID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[userID][sessionID]; !ok {
		return domain.ErrNotFound
	}
	delete(r.messages, sessionID)
	delete(r.sessions[userID], sessionID)
	r.notifySessionsLocked(userID)
	return nil
}

func (r *memConvoRepo) SaveMessage(ctx context.Context, userID string, m *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID][m.SessionID]
	if !ok {
		return domain.ErrNotFound
	}
	m.ID = ulid.Make().String()
	m.Timestamp = time.Now().UTC()
	cp := *m
	r.messages[m.SessionID] = append(r.messages[m.SessionID], &cp)
	s.Touch(m.Timestamp)
	r.notifyMessagesLocked(m.SessionID)
	r.notifySessionsLocked(userID)
	return nil
}

func (r *memConvoRepo) RecentMessages(ctx context.Context, userID, sessionID string, limit int) ([]*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	asc := r.messages[sessionID]
	out := make([]*model.Message, 0, limit)
	for i := len(asc) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *asc[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memConvoRepo) SubscribeMessages(ctx context.Context, userID, sessionID string, onChange repository.MessagesHandler, onError repository.ErrorHandler) (repository.Unsubscribe, error) {
	r.mu.Lock()
	r.msgSubs[sessionID] = append(r.msgSubs[sessionID], onChange)
	snap := r.snapshotMessagesLocked(sessionID)
	r.mu.Unlock()
	onChange(snap)
	return func() {}, nil
}

func (r *memConvoRepo) SubscribeSessions(ctx context.Context, userID string, onChange repository.SessionsHandler, onError repository.ErrorHandler) (repository.Unsubscribe, error) {
	r.mu.Lock()
	r.sessSubs[userID] = append(r.sessSubs[userID], onChange)
	snap := r.listLocked(userID)
	r.mu.Unlock()
	onChange(snap)
	return func() {}, nil
}

func (r *memConvoRepo) listLocked(userID string) []*model.Session {
	out := make([]*model.Session, 0, len(r.sessions[userID]))
	for _, s := range r.sessions[userID] {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}

func (r *memConvoRepo) snapshotMessagesLocked(sessionID string) []*model.Message {
	asc := r.messages[sessionID]
	out := make([]*model.Message, 0, len(asc))
	for _, m := range asc {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

func (r *memConvoRepo) notifyMessagesLocked(sessionID string) {
	snap := r.snapshotMessagesLocked(sessionID)
	for _, h := range r.msgSubs[sessionID] {
		go h(snap)
	}
}

func (r *memConvoRepo) notifySessionsLocked(userID string) {
	snap := r.listLocked(userID)
	for _, h := range r.sessSubs[userID] {
		go h(snap)
	}
}

// ---- in-memory pointer store ----

var _ repository.PointerRepository = (*memPointerRepo)(nil)

type memPointerRepo struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemPointerRepo() *memPointerRepo {
	return &memPointerRepo{data: make(map[string]string)}
}

func (p *memPointerRepo) key(userID, clientID string) string {
	return userID + ":" + clientID
}

func (p *memPointerRepo) SetActive(ctx context.Context, userID, clientID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[p.key(userID, clientID)] = sessionID
	return nil
}

func (p *memPointerRepo) GetActive(ctx context.Context, userID, clientID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.data[p.key(userID, clientID)]
	if !ok {
		return "", domain.ErrNotFound
	}
	return id, nil
}

func (p *memPointerRepo) ClearActive(ctx context.Context, userID, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, p.key(userID, clientID))
	return nil
}

// ---- stub chat usecase ----

var _ usecase.ChatUseCase = (*stubChatUC)(nil)

type stubChatUC struct {
	reply string
	err   error
}

func (c *stubChatUC) Submit(ctx context.Context, sync usecase.SessionSynchronizer, text string, image *adapter.InlineImage) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	// Persist like the real pipeline so list/message endpoints see data.
	sessionID, err := sync.EnsurePersisted(ctx, text, image != nil)
	if err != nil {
		return "", err
	}
	_ = sessionID
	return c.reply, nil
}

// ---- fake identity ----

var _ adapter.IdentityAdapter = (*fakeIdentity)(nil)

type fakeIdentity struct {
	mu      sync.Mutex
	nextID  int
	byToken map[string]*adapter.Identity
	changes chan *adapter.Identity
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		byToken: make(map[string]*adapter.Identity),
		changes: make(chan *adapter.Identity, 8),
	}
}

func (f *fakeIdentity) SignIn(ctx context.Context, credential string) (*adapter.Identity, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := &adapter.Identity{UserID: fmt.Sprintf("user-%d", f.nextID), Anonymous: credential == ""}
	token := fmt.Sprintf("token-%d", f.nextID)
	f.byToken[token] = id
	return id, token, nil
}

func (f *fakeIdentity) SignOut(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byToken[token]; !ok {
		return domain.ErrAuthFailure
	}
	delete(f.byToken, token)
	return nil
}

func (f *fakeIdentity) Verify(ctx context.Context, token string) (*adapter.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byToken[token]
	if !ok {
		return nil, domain.ErrAuthFailure
	}
	return id, nil
}

func (f *fakeIdentity) IdentityChanges() <-chan *adapter.Identity { return f.changes }
func (f *fakeIdentity) Close() error                              { return nil }
