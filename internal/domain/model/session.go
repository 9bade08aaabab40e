package model

import (
	"strings"
	"time"
)

// TitleMaxLen is the number of characters kept from the first message when
// deriving a session title. Longer previews are truncated with an ellipsis.
const TitleMaxLen = 35

const (
	DefaultTitle      = "New Chat"
	DefaultImageTitle = "Image Chat"
)

// Session is a persisted conversation thread owned by one user. A Session with
// an empty ID is an unsaved draft: it has no store-visible existence and no
// persisted messages until the first message is sent.
type Session struct {
	ID           string
	UserID       string
	Title        string
	CreatedAt    time.Time
	LastActivity time.Time
}

func NewSession(id, userID, title string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		UserID:       userID,
		Title:        title,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Touch advances LastActivity. It never moves backwards, so replaying an old
// write acknowledgement cannot regress the session ordering.
func (s *Session) Touch(at time.Time) {
	if at.After(s.LastActivity) {
		s.LastActivity = at
	}
}

// DeriveTitle builds a session title from the first message of a conversation:
// the first TitleMaxLen characters of the preview text plus "..." when
// truncated, or a default when no text is present.
func DeriveTitle(preview string, hasImage bool) string {
	preview = strings.TrimSpace(preview)
	if preview == "" {
		if hasImage {
			return DefaultImageTitle
		}
		return DefaultTitle
	}
	runes := []rune(preview)
	if len(runes) <= TitleMaxLen {
		return preview
	}
	return string(runes[:TitleMaxLen]) + "..."
}
