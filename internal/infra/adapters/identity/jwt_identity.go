package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatiq/internal/domain"
	"chatiq/internal/domain/ports/adapter"
)

// Compile-time assurance this manager satisfies the port
var _ adapter.IdentityAdapter = (*JWTIdentityManager)(nil)

// identityClaims is the JWT payload for both session tokens minted here
// and externally issued custom tokens presented as credentials.
type identityClaims struct {
	DisplayName string `json:"name,omitempty"`
	Anonymous   bool   `json:"anon,omitempty"`
	jwt.RegisteredClaims
}

// JWTIdentityManager signs and verifies HS256 session tokens.
//
// A sign-in with an empty credential creates an anonymous guest identity.
// A non-empty credential must be a custom token signed with the same HMAC
// secret, carrying the user id as its subject.
type JWTIdentityManager struct {
	secret    []byte
	ttl       time.Duration
	allowAnon bool
	log       *zerolog.Logger

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> expiry, pruned lazily
	changes chan *adapter.Identity
	closed  bool
}

func NewJWTIdentityManager(secret string, ttl time.Duration, allowAnonymous bool, log *zerolog.Logger) *JWTIdentityManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTIdentityManager{
		secret:    []byte(secret),
		ttl:       ttl,
		allowAnon: allowAnonymous,
		log:       log,
		revoked:   make(map[string]time.Time),
		changes:   make(chan *adapter.Identity, 8),
	}
}

func (m *JWTIdentityManager) SignIn(ctx context.Context, credential string) (*adapter.Identity, string, error) {
	var id adapter.Identity
	credential = strings.TrimSpace(credential)
	if credential == "" {
		if !m.allowAnon {
			return nil, "", fmt.Errorf("%w: anonymous sign-in disabled", domain.ErrAuthFailure)
		}
		id = adapter.Identity{
			UserID:      "anon-" + uuid.NewString(),
			DisplayName: "Guest",
			Anonymous:   true,
		}
	} else {
		claims, err := m.parse(credential)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", domain.ErrAuthFailure, err)
		}
		if claims.Subject == "" {
			return nil, "", fmt.Errorf("%w: credential has no subject", domain.ErrAuthFailure)
		}
		id = adapter.Identity{
			UserID:      claims.Subject,
			DisplayName: claims.DisplayName,
			Anonymous:   false,
		}
	}

	token, err := m.mint(&id)
	if err != nil {
		return nil, "", err
	}
	m.notify(&id)
	m.log.Info().Str("user_id", id.UserID).Bool("anonymous", id.Anonymous).Msg("signed in")
	return &id, token, nil
}

func (m *JWTIdentityManager) SignOut(ctx context.Context, token string) error {
	claims, err := m.parse(token)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuthFailure, err)
	}
	exp := time.Now().Add(m.ttl)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	m.mu.Lock()
	m.prune(time.Now())
	m.revoked[claims.ID] = exp
	m.mu.Unlock()

	m.notify(nil)
	m.log.Info().Str("user_id", claims.Subject).Msg("signed out")
	return nil
}

func (m *JWTIdentityManager) Verify(ctx context.Context, token string) (*adapter.Identity, error) {
	claims, err := m.parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthFailure, err)
	}
	m.mu.Lock()
	_, revoked := m.revoked[claims.ID]
	m.mu.Unlock()
	if revoked {
		return nil, fmt.Errorf("%w: token revoked", domain.ErrAuthFailure)
	}
	return &adapter.Identity{
		UserID:      claims.Subject,
		DisplayName: claims.DisplayName,
		Anonymous:   claims.Anonymous,
	}, nil
}

func (m *JWTIdentityManager) IdentityChanges() <-chan *adapter.Identity {
	return m.changes
}

func (m *JWTIdentityManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.changes)
	}
	return nil
}

// --- internal ---

func (m *JWTIdentityManager) mint(id *adapter.Identity) (string, error) {
	now := time.Now()
	claims := identityClaims{
		DisplayName: id.DisplayName,
		Anonymous:   id.Anonymous,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *JWTIdentityManager) parse(tok string) (*identityClaims, error) {
	claims := &identityClaims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !tkn.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// notify never blocks; a full channel drops the oldest event first.
func (m *JWTIdentityManager) notify(id *adapter.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for {
		select {
		case m.changes <- id:
			return
		default:
			select {
			case <-m.changes:
			default:
			}
		}
	}
}

// prune drops revocation entries whose tokens have expired anyway.
// Caller holds mu.
func (m *JWTIdentityManager) prune(now time.Time) {
	for jti, exp := range m.revoked {
		if now.After(exp) {
			delete(m.revoked, jti)
		}
	}
}
