package adapter

import "context"

// Identity is the signed-in user as reported by the identity provider.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Anonymous   bool   `json:"anonymous"`
}

// IdentityAdapter wraps sign-in/sign-out against the identity provider and
// exposes a stream of identity-change events. A nil event value means
// "signed out".
type IdentityAdapter interface {
	// SignIn authenticates with the given credential (an externally minted
	// token) and returns the identity plus a bearer token for subsequent
	// requests. An empty credential performs an anonymous sign-in.
	SignIn(ctx context.Context, credential string) (*Identity, string, error)

	// SignOut revokes the bearer token.
	SignOut(ctx context.Context, token string) error

	// Verify resolves a bearer token to its identity.
	Verify(ctx context.Context, token string) (*Identity, error)

	// IdentityChanges delivers the identity after each sign-in and nil after
	// each sign-out.
	IdentityChanges() <-chan *Identity

	Close() error
}
