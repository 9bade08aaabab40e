package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"chatiq/internal/domain"
	"chatiq/internal/domain/model"
	"chatiq/internal/domain/ports/adapter"
	"chatiq/internal/infra/logging"
)

// ---- wire DTOs ----

type sessionDTO struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    int64  `json:"created_at"`
	LastActivity int64  `json:"last_activity"`
}

type messageDTO struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	MimeType  string `json:"mime_type,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type conversationDTO struct {
	State           string       `json:"state"`
	ActiveSessionID string       `json:"active_session_id,omitempty"`
	Messages        []messageDTO `json:"messages"`
}

func toSessionDTO(s *model.Session) sessionDTO {
	return sessionDTO{
		ID:           s.ID,
		Title:        s.Title,
		CreatedAt:    s.CreatedAt.UnixMilli(),
		LastActivity: s.LastActivity.UnixMilli(),
	}
}

func toMessageDTO(m *model.Message) messageDTO {
	return messageDTO{
		ID:        m.ID,
		Sender:    string(m.Sender),
		Type:      string(m.Type),
		Content:   m.Content,
		MimeType:  m.MimeType,
		Timestamp: m.Timestamp.UnixMilli(),
	}
}

// writeDomainError maps domain sentinels to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrAuthFailure), errors.Is(err, domain.ErrSignedOut):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrAlreadyExists):
		http.Error(w, "Conflict", http.StatusConflict)
	case errors.Is(err, domain.ErrBusy):
		http.Error(w, "A message is already in flight", http.StatusConflict)
	case errors.Is(err, domain.ErrAPIFailure):
		http.Error(w, "Upstream model call failed", http.StatusBadGateway)
	default:
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ---- auth ----

type signInRequest struct {
	Credential string `json:"credential"`
}

type signInResponse struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Anonymous   bool   `json:"anonymous"`
	Token       string `json:"token"`
}

// signInHandler exchanges a credential (or nothing, for guests) for a token.
func (s *Server) signInHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signInRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
		}
		id, token, err := s.identity.SignIn(r.Context(), req.Credential)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, signInResponse{
			UserID:      id.UserID,
			DisplayName: id.DisplayName,
			Anonymous:   id.Anonymous,
			Token:       token,
		})
	}
}

func (s *Server) signOutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r.Context())
		if id == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		// Detach the client first so its pointer is cleared before the token dies.
		if clientID := r.Header.Get(clientIDHeader); clientID != "" {
			if err := s.hub.SignOut(r.Context(), id.UserID, clientID); err != nil {
				if errors.Is(err, domain.ErrAuthFailure) {
					writeDomainError(w, err)
					return
				}
				s.log.Warn().Err(err).Str("client_id", clientID).Msg("client sign-out failed")
			}
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if err := s.identity.SignOut(r.Context(), token); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func bearerToken(header string) string {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// ---- sessions ----

func (s *Server) sessionsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sync, ok := s.hub.Sync(clientIDFrom(r.Context()))
		if !ok {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		sessions := sync.Sessions()
		out := make([]sessionDTO, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, toSessionDTO(sess))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type sessionSelectRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) sessionSelectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sessionSelectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		sync, ok := s.hub.Sync(clientIDFrom(r.Context()))
		if !ok {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if err := sync.SelectSession(r.Context(), req.SessionID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"state":             string(sync.State()),
			"active_session_id": sync.ActiveSessionID(),
		})
	}
}

func (s *Server) sessionNewHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sync, ok := s.hub.Sync(clientIDFrom(r.Context()))
		if !ok {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if err := sync.StartDraft(r.Context()); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": string(sync.State())})
	}
}

func (s *Server) sessionDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		if sessionID == "" {
			http.Error(w, "Missing session id", http.StatusBadRequest)
			return
		}
		sync, ok := s.hub.Sync(clientIDFrom(r.Context()))
		if !ok {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if err := sync.DeleteSession(r.Context(), sessionID); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- conversation ----

func (s *Server) messagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sync, ok := s.hub.Sync(clientIDFrom(r.Context()))
		if !ok {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		msgs := sync.Messages()
		out := conversationDTO{
			State:           string(sync.State()),
			ActiveSessionID: sync.ActiveSessionID(),
			Messages:        make([]messageDTO, 0, len(msgs)),
		}
		for _, m := range msgs {
			out.Messages = append(out.Messages, toMessageDTO(m))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type chatRequest struct {
	Text  string `json:"text"`
	Image *struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"image,omitempty"`
}

type chatResponse struct {
	Reply           string `json:"reply"`
	ActiveSessionID string `json:"active_session_id"`
	State           string `json:"state"`
}

func (s *Server) chatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		var img *adapter.InlineImage
		if req.Image != nil {
			img = &adapter.InlineImage{MimeType: req.Image.MimeType, Data: req.Image.Data}
		}
		clientID := clientIDFrom(r.Context())
		reply, err := s.hub.Submit(r.Context(), clientID, req.Text, img)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		sync, _ := s.hub.Sync(clientID)
		resp := chatResponse{Reply: reply}
		if sync != nil {
			resp.ActiveSessionID = sync.ActiveSessionID()
			resp.State = string(sync.State())
		}
		ctx := logging.WithSessID(r.Context(), resp.ActiveSessionID)
		logging.With(ctx, s.log).Debug().Int("reply_len", len(reply)).Msg("chat turn completed")
		writeJSON(w, http.StatusOK, resp)
	}
}

// ---- ops ----

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"clients": s.hub.Len(),
		})
	}
}
