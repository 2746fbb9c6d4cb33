package model

import "time"

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeDocument MessageType = "document"
)

// Valid сообщает, известен ли тип.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeDocument:
		return true
	}
	return false
}

// Message — запись в журнале беседы. После создания меняется только Read (false → true).
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Type           MessageType `json:"type"`
	Text           string      `json:"text"`
	MediaURL       string      `json:"media_url,omitempty"`
	MediaType      string      `json:"media_type,omitempty"`
	FileName       string      `json:"file_name,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	Read           bool        `json:"read"`
}

// Summary возвращает снимок для Conversation.LastMessage.
func (m *Message) Summary() *MessageSummary {
	return &MessageSummary{ID: m.ID, Text: m.Text, SenderID: m.SenderID, CreatedAt: m.CreatedAt}
}
