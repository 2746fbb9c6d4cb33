package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/model"
)

// AppendMessage: сообщение, lastMessage, updatedAt и инкремент счётчиков — одна транзакция.
// Строка беседы блокируется, поэтому отправки в одну беседу упорядочены.
func (r *ChatStore) AppendMessage(ctx context.Context, m *model.Message) (*model.Conversation, error) {
	defer logger.DeferLogDuration("message.Append", time.Now())()
	if _, err := uuid.Parse(m.ConversationID); err != nil {
		return nil, chat.ErrNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.Append begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id::text FROM conversations WHERE id = $1 FOR UPDATE`, m.ConversationID).Scan(&locked)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.Append lock: %w", notFound(err))
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, type, text, media_url, media_type, file_name, created_at, read)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)`,
		m.ID, m.ConversationID, m.SenderID, string(m.Type), m.Text, m.MediaURL, m.MediaType, m.FileName, m.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("messageRepo.Append insert: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET
		     last_message_id     = CASE WHEN last_message_at IS NULL OR last_message_at <= $5 THEN $2::uuid ELSE last_message_id END,
		     last_message_text   = CASE WHEN last_message_at IS NULL OR last_message_at <= $5 THEN $3 ELSE last_message_text END,
		     last_message_sender = CASE WHEN last_message_at IS NULL OR last_message_at <= $5 THEN $4 ELSE last_message_sender END,
		     last_message_at     = GREATEST(COALESCE(last_message_at, $5), $5),
		     updated_at          = GREATEST(updated_at, $5)
		 WHERE id = $1`,
		m.ConversationID, m.ID, m.Text, m.SenderID, m.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("messageRepo.Append last message: %w", err)
	}

	// Атомарный инкремент на стороне БД: параллельные отправки не теряют обновлений.
	if _, err := tx.Exec(ctx,
		`UPDATE conversation_participants SET unread_count = unread_count + 1
		 WHERE conversation_id = $1 AND user_id <> $2`,
		m.ConversationID, m.SenderID,
	); err != nil {
		return nil, fmt.Errorf("messageRepo.Append unread: %w", err)
	}

	conv, err := loadConversation(ctx, tx, `WHERE c.id = $1`, m.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.Append reload: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("messageRepo.Append commit: %w", err)
	}
	return conv, nil
}

func (r *ChatStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("message.List", time.Now())()
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, chat.ErrNotFound
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id::text, conversation_id::text, sender_id, type, text, media_url, media_type, file_name, created_at, read
		 FROM messages WHERE conversation_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("messageRepo.List query: %w", err)
	}
	defer rows.Close()

	out := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		var typ string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &typ, &m.Text, &m.MediaURL, &m.MediaType,
			&m.FileName, &m.CreatedAt, &m.Read); err != nil {
			return nil, fmt.Errorf("messageRepo.List scan: %w", err)
		}
		m.Type = model.MessageType(typ)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messageRepo.List rows: %w", err)
	}
	return out, nil
}

// MarkRead сначала блокирует строку счётчика читателя: параллельная отправка ждёт коммита
// и прибавляет свою единицу уже к пересчитанному значению, поэтому сообщения, пришедшие
// во время чтения, не маскируются сбросом в ноль.
func (r *ChatStore) MarkRead(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("message.MarkRead", time.Now())()
	if _, err := uuid.Parse(conversationID); err != nil {
		return 0, chat.ErrNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("messageRepo.MarkRead begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int
	err = tx.QueryRow(ctx,
		`SELECT unread_count FROM conversation_participants
		 WHERE conversation_id = $1 AND user_id = $2 FOR UPDATE`,
		conversationID, userID,
	).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("messageRepo.MarkRead lock: %w", notFound(err))
	}

	tag, err := tx.Exec(ctx,
		`UPDATE messages SET read = TRUE
		 WHERE conversation_id = $1 AND sender_id <> $2 AND NOT read`,
		conversationID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("messageRepo.MarkRead flags: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversation_participants SET unread_count = (
		     SELECT COUNT(*) FROM messages
		     WHERE conversation_id = $1 AND sender_id <> $2 AND NOT read)
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	); err != nil {
		return 0, fmt.Errorf("messageRepo.MarkRead counter: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("messageRepo.MarkRead commit: %w", err)
	}
	if current != int(tag.RowsAffected()) {
		logger.Debugw("unread counter drift on read", "conversation", conversationID, "user", userID,
			"counter", current, "flipped", tag.RowsAffected())
	}
	return int(tag.RowsAffected()), nil
}
