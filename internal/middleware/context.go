package middleware

import (
	"context"

	"github.com/voisinage/internal/model"
)

type contextKey string

const (
	UserIDKey      contextKey = "user_id"
	participantKey contextKey = "participant"
)

// GetUserID возвращает user_id из контекста (устанавливается JWTAuth).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetParticipant возвращает описание вызывающего (id, имя, аватар) из проверенного токена.
func GetParticipant(ctx context.Context) model.Participant {
	p, _ := ctx.Value(participantKey).(model.Participant)
	return p
}

// WithParticipant кладёт вызывающего в контекст.
func WithParticipant(ctx context.Context, p model.Participant) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, p.ID)
	return context.WithValue(ctx, participantKey, p)
}
