package ws

import "github.com/voisinage/internal/model"

type EventType string

const (
	// клиент -> сервер
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
	EventSendMessage EventType = "send_message"
	EventMarkRead    EventType = "mark_read"

	// сервер -> клиент
	EventSnapshot EventType = "snapshot"
	EventAck      EventType = "ack"
	EventError    EventType = "error"
)

// Target — что слушает подписка.
type Target string

const (
	TargetMessages      Target = "messages"
	TargetConversations Target = "conversations"
	TargetUnread        Target = "unread"
)

// IncomingMessage is what the client sends to the server.
// RequestID произвольный, возвращается в ack/error.
type IncomingMessage struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`

	// subscribe / unsubscribe
	SubID  string `json:"sub_id,omitempty"`
	Target Target `json:"target,omitempty"`
	Limit  int    `json:"limit,omitempty"`

	ConversationID string `json:"conversation_id,omitempty"`

	// send_message без conversation_id: беседа разрешается по post_id и recipient
	PostID    string             `json:"post_id,omitempty"`
	Recipient *model.Participant `json:"recipient,omitempty"`

	MessageType model.MessageType `json:"message_type,omitempty"`
	Text        string            `json:"text,omitempty"`
	MediaURL    string            `json:"media_url,omitempty"`
	MediaType   string            `json:"media_type,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	SubID     string    `json:"sub_id,omitempty"`
	Target    Target    `json:"target,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	// RetryAfter — через сколько секунд повторить, если сбой временный.
	RetryAfter int `json:"retry_after,omitempty"`
}

// SubscribedPayload — ack на subscribe/unsubscribe.
type SubscribedPayload struct {
	SubID  string `json:"sub_id"`
	Target Target `json:"target,omitempty"`
}

// MarkedPayload — ack на mark_read.
type MarkedPayload struct {
	ConversationID string `json:"conversation_id"`
	Marked         int    `json:"marked"`
}
