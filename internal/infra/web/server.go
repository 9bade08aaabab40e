package web

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatiq/internal/application"
	"chatiq/internal/domain/ports/adapter"
	"chatiq/internal/infra/logging"
)

type ctxKey int

const (
	ctxKeyIdentity ctxKey = iota
	ctxKeyClientID
)

// clientIDHeader carries the per-tab client id. The server echoes it back on
// every authenticated response so a fresh tab learns its minted id.
const clientIDHeader = "X-Client-ID"

type Server struct {
	hub      *application.ClientHub
	identity adapter.IdentityAdapter
	log      *zerolog.Logger
}

func NewServer(hub *application.ClientHub, identity adapter.IdentityAdapter, logger *zerolog.Logger) *Server {
	return &Server{hub: hub, identity: identity, log: logger}
}

// Router builds the full route tree.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Get("/health", s.healthHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/auth/signin", s.signInHandler())

		api.Group(func(authed chi.Router) {
			authed.Use(s.authMiddleware)
			authed.Post("/auth/signout", s.signOutHandler())

			authed.Group(func(client chi.Router) {
				client.Use(s.clientMiddleware)
				client.Get("/sessions", s.sessionsListHandler())
				client.Post("/sessions/select", s.sessionSelectHandler())
				client.Post("/sessions/new", s.sessionNewHandler())
				client.Delete("/sessions/{id}", s.sessionDeleteHandler())
				client.Get("/messages", s.messagesHandler())
				client.Post("/chat", s.chatHandler())
			})
		})
	})

	return r
}

// authMiddleware verifies the Bearer token and stashes the identity.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			http.Error(w, "Unauthorized: Malformed token", http.StatusUnauthorized)
			return
		}
		id, err := s.identity.Verify(r.Context(), token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyIdentity, id)
		ctx = logging.WithUserID(ctx, id.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientMiddleware attaches (or re-finds) the caller's client in the hub and
// echoes the client id back.
func (s *Server) clientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r.Context())
		if id == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		clientID, _, err := s.hub.Attach(r.Context(), id.UserID, r.Header.Get(clientIDHeader))
		if err != nil {
			s.log.Error().Err(err).Str("user_id", id.UserID).Msg("client attach failed")
			writeDomainError(w, err)
			return
		}
		w.Header().Set(clientIDHeader, clientID)
		ctx := context.WithValue(r.Context(), ctxKeyClientID, clientID)
		ctx = logging.WithClientID(ctx, clientID)
		logging.With(ctx, s.log).Debug().Str("path", r.URL.Path).Msg("client request")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) *adapter.Identity {
	id, _ := ctx.Value(ctxKeyIdentity).(*adapter.Identity)
	return id
}

func clientIDFrom(ctx context.Context) string {
	cid, _ := ctx.Value(ctxKeyClientID).(string)
	return cid
}
