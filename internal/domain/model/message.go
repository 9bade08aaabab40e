package model

import "time"

type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

// Message is one turn within a Session. Messages are immutable once created
// and totally ordered by Timestamp within their session. ID and Timestamp are
// store-assigned at write time.
type Message struct {
	ID        string
	SessionID string
	Sender    Sender
	Type      MessageType
	Content   string // text, or base64 image payload
	MimeType  string // set for image messages only
	Timestamp time.Time
}

func NewTextMessage(sessionID string, sender Sender, content string) *Message {
	return &Message{
		SessionID: sessionID,
		Sender:    sender,
		Type:      MessageText,
		Content:   content,
	}
}

func NewImageMessage(sessionID string, sender Sender, base64Payload, mimeType string) *Message {
	return &Message{
		SessionID: sessionID,
		Sender:    sender,
		Type:      MessageImage,
		Content:   base64Payload,
		MimeType:  mimeType,
	}
}
