package model

import "time"

// Participant — участник беседы: id, отображаемое имя и аватар на момент создания беседы.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// MessageSummary — денормализованный снимок последнего сообщения беседы.
type MessageSummary struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation — беседа фиксированного набора участников, опционально привязанная к объявлению.
// ParticipantIDs всегда совпадает с проекцией Participants по id.
type Conversation struct {
	ID             string          `json:"id"`
	Key            string          `json:"-"`
	Participants   []Participant   `json:"participants"`
	ParticipantIDs []string        `json:"participant_ids"`
	PostID         string          `json:"post_id,omitempty"`
	LastMessage    *MessageSummary `json:"last_message,omitempty"`
	UnreadCounts   map[string]int  `json:"unread_counts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HasParticipant сообщает, входит ли userID в беседу.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Participant возвращает дескриптор участника по id.
func (c *Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// Clone возвращает глубокую копию (хранилища в памяти не отдают наружу свои срезы и карты).
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Participants = append([]Participant(nil), c.Participants...)
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	out.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		out.UnreadCounts[k] = v
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}
