package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/voisinage/internal/logger"
)

// quietPeriod — беседы с активностью моложе этого интервала пропускаются: их счётчики
// могут ждать коммита параллельной отправки.
const quietPeriod = time.Minute

// Reconcile пересчитывает счётчики из флагов read и чинит lastMessage, отставший от журнала.
func (r *ChatStore) Reconcile(ctx context.Context) (int, error) {
	defer logger.DeferLogDuration("chat.Reconcile", time.Now())()
	cutoff := time.Now().Add(-quietPeriod)

	counters, err := r.pool.Exec(ctx,
		`WITH expected AS (
		     SELECT cp.conversation_id, cp.user_id, COUNT(m.id)::int AS n
		     FROM conversation_participants cp
		     JOIN conversations c ON c.id = cp.conversation_id AND c.updated_at < $1
		     LEFT JOIN messages m
		       ON m.conversation_id = cp.conversation_id AND m.sender_id <> cp.user_id AND NOT m.read
		     GROUP BY cp.conversation_id, cp.user_id)
		 UPDATE conversation_participants cp SET unread_count = e.n
		 FROM expected e
		 WHERE cp.conversation_id = e.conversation_id AND cp.user_id = e.user_id AND cp.unread_count <> e.n`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("chatStore.Reconcile counters: %w", err)
	}

	last, err := r.pool.Exec(ctx,
		`WITH latest AS (
		     SELECT DISTINCT ON (conversation_id) conversation_id, id, text, sender_id, created_at
		     FROM messages
		     ORDER BY conversation_id, created_at DESC, id DESC)
		 UPDATE conversations c SET
		     last_message_id = l.id, last_message_text = l.text, last_message_sender = l.sender_id,
		     last_message_at = l.created_at, updated_at = GREATEST(c.updated_at, l.created_at)
		 FROM latest l
		 WHERE c.id = l.conversation_id AND c.updated_at < $1 AND c.last_message_id IS DISTINCT FROM l.id`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("chatStore.Reconcile last message: %w", err)
	}
	return int(counters.RowsAffected() + last.RowsAffected()), nil
}
