package usecase_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatiq/internal/domain"
	"chatiq/internal/domain/model"
	"chatiq/internal/domain/ports/adapter"
	"chatiq/internal/domain/ports/repository"
)

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// ---- in-memory conversation store ----

var _ repository.ConversationRepository = (*memConvo)(nil)

type msgSub struct {
	sessionID string
	handler   repository.MessagesHandler
	active    bool
}

type sessSub struct {
	userID  string
	handler repository.SessionsHandler
	active  bool
}

// memConvo delivers subscription snapshots synchronously, so tests observe
// view updates without sleeping.
type memConvo struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]map[string]*model.Session // userID -> id -> session
	messages map[string][]*model.Message          // sessionID -> asc
	msgSubs  []*msgSub
	sessSubs []*sessSub

	failCreate  error
	failSave    error
	failRecent  error
	failMsgSub  error
	failSessSub error
	saveCount   int
}

func newMemConvo() *memConvo {
	return &memConvo{
		sessions: make(map[string]map[string]*model.Session),
		messages: make(map[string][]*model.Message),
	}
}

func (r *memConvo) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *memConvo) CreateSession(ctx context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate != nil {
		return r.failCreate
	}
	if s.ID == "" {
		s.ID = r.nextID("sess")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
		s.LastActivity = s.CreatedAt
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

func (r *memConvo) GetSession(ctx context.Context, userID, sessionID string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID][sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memConvo) ListSessions(ctx context.Context, userID string) ([]*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(userID), nil
}

func (r *memConvo) DeleteSession(ctx context.Context, userID, sessionID string) error {
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

func (r *memConvo) SaveMessage(ctx context.Context, userID string, m *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave != nil {
		return r.failSave
	}
	s, ok := r.sessions[userID][m.SessionID]
	if !ok {
		return domain.ErrNotFound
	}
	r.saveCount++
	m.ID = r.nextID("msg")
	m.Timestamp = time.Now().UTC().Add(time.Duration(r.saveCount) * time.Microsecond)
	cp := *m
	r.messages[m.SessionID] = append(r.messages[m.SessionID], &cp)
	s.Touch(m.Timestamp)
	r.notifyMessagesLocked(m.SessionID)
	r.notifySessionsLocked(userID)
	return nil
}

func (r *memConvo) RecentMessages(ctx context.Context, userID, sessionID string, limit int) ([]*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failRecent != nil {
		return nil, r.failRecent
	}
	asc := r.messages[sessionID]
	out := make([]*model.Message, 0, limit)
	for i := len(asc) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *asc[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memConvo) SubscribeMessages(ctx context.Context, userID, sessionID string, onChange repository.MessagesHandler, onError repository.ErrorHandler) (repository.Unsubscribe, error) {
	r.mu.Lock()
	if r.failMsgSub != nil {
		err := r.failMsgSub
		r.mu.Unlock()
		return nil, err
	}
	sub := &msgSub{sessionID: sessionID, handler: onChange, active: true}
	r.msgSubs = append(r.msgSubs, sub)
	snap := r.snapshotMessagesLocked(sessionID)
	r.mu.Unlock()
	onChange(snap)
	return func() {
		r.mu.Lock()
		sub.active = false
		r.mu.Unlock()
	}, nil
}

func (r *memConvo) SubscribeSessions(ctx context.Context, userID string, onChange repository.SessionsHandler, onError repository.ErrorHandler) (repository.Unsubscribe, error) {
	r.mu.Lock()
	if r.failSessSub != nil {
		err := r.failSessSub
		r.mu.Unlock()
		return nil, err
	}
	sub := &sessSub{userID: userID, handler: onChange, active: true}
	r.sessSubs = append(r.sessSubs, sub)
	snap := r.listLocked(userID)
	r.mu.Unlock()
	onChange(snap)
	return func() {
		r.mu.Lock()
		sub.active = false
		r.mu.Unlock()
	}, nil
}

func (r *memConvo) liveMessageSubs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.msgSubs {
		if s.active {
			n++
		}
	}
	return n
}

func (r *memConvo) liveSessionSubs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessSubs {
		if s.active {
			n++
		}
	}
	return n
}

func (r *memConvo) sessionCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[userID])
}

func (r *memConvo) listLocked(userID string) []*model.Session {
	out := make([]*model.Session, 0, len(r.sessions[userID]))
	for _, s := range r.sessions[userID] {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}

func (r *memConvo) snapshotMessagesLocked(sessionID string) []*model.Message {
	asc := r.messages[sessionID]
	out := make([]*model.Message, 0, len(asc))
	for _, m := range asc {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

func (r *memConvo) notifyMessagesLocked(sessionID string) {
	snap := r.snapshotMessagesLocked(sessionID)
	for _, s := range r.msgSubs {
		if s.active && s.sessionID == sessionID {
			s.handler(snap)
		}
	}
}

func (r *memConvo) notifySessionsLocked(userID string) {
	snap := r.listLocked(userID)
	for _, s := range r.sessSubs {
		if s.active && s.userID == userID {
			s.handler(snap)
		}
	}
}

// ---- in-memory pointer store ----

var _ repository.PointerRepository = (*memPointer)(nil)

type memPointer struct {
	mu      sync.Mutex
	data    map[string]string
	failGet error
	failSet error
}

func newMemPointer() *memPointer {
	return &memPointer{data: make(map[string]string)}
}

func (p *memPointer) key(userID, clientID string) string { return userID + ":" + clientID }

func (p *memPointer) SetActive(ctx context.Context, userID, clientID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSet != nil {
		return p.failSet
	}
	p.data[p.key(userID, clientID)] = sessionID
	return nil
}

func (p *memPointer) GetActive(ctx context.Context, userID, clientID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failGet != nil {
		return "", p.failGet
	}
	id, ok := p.data[p.key(userID, clientID)]
	if !ok {
		return "", domain.ErrNotFound
	}
	return id, nil
}

func (p *memPointer) ClearActive(ctx context.Context, userID, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, p.key(userID, clientID))
	return nil
}

func (p *memPointer) stored(userID, clientID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.data[p.key(userID, clientID)]
	return id, ok
}

// ---- fake AI adapter ----

var _ adapter.AIServiceAdapter = (*fakeAI)(nil)

type fakeAI struct {
	mu        sync.Mutex
	reply     string
	err       error
	lastTurns []adapter.Turn
	calls     int

	// beforeReturn runs inside GenerateWithUsage before it returns, letting a
	// test flip session state mid-flight.
	beforeReturn func()
}

func (f *fakeAI) ListModels(ctx context.Context) ([]string, error) { return []string{"fake"}, nil }

func (f *fakeAI) CountTokens(ctx context.Context, model string, turns []adapter.Turn) (int, error) {
	return len(turns), nil
}

func (f *fakeAI) Generate(ctx context.Context, model string, turns []adapter.Turn) (string, error) {
	reply, _, err := f.GenerateWithUsage(ctx, model, turns)
	return reply, err
}

func (f *fakeAI) GenerateWithUsage(ctx context.Context, model string, turns []adapter.Turn) (string, adapter.Usage, error) {
	f.mu.Lock()
	f.calls++
	f.lastTurns = append([]adapter.Turn(nil), turns...)
	hook := f.beforeReturn
	reply, err := f.reply, f.err
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return "", adapter.Usage{}, err
	}
	return reply, adapter.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}, nil
}

func (f *fakeAI) turns() []adapter.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.Turn(nil), f.lastTurns...)
}
