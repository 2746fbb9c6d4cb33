package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/model"
)

// querier — общее у пула и транзакции, чтобы загрузчики работали и там и там.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ChatStore — chat.Store поверх Postgres. Строки conversation_participants служат
// одновременно индексом «пользователь → беседы» и хранилищем счётчиков.
type ChatStore struct {
	pool *pgxpool.Pool
}

func NewChatStore(pool *pgxpool.Pool) *ChatStore {
	return &ChatStore{pool: pool}
}

var _ chat.Store = (*ChatStore)(nil)

const conversationSelect = `
SELECT c.id::text, c.resolution_key, c.post_id,
       COALESCE(c.last_message_id::text, ''), c.last_message_text, c.last_message_sender, c.last_message_at,
       c.created_at, c.updated_at,
       p.user_id, p.display_name, p.avatar_url, p.unread_count
FROM conversations c
JOIN conversation_participants p ON p.conversation_id = c.id
`

// loadConversations собирает беседы из строк JOIN: одна строка на участника, порядок по position.
func loadConversations(ctx context.Context, q querier, where string, args ...any) ([]model.Conversation, error) {
	rows, err := q.Query(ctx, conversationSelect+where+` ORDER BY c.updated_at DESC, c.id, p.position`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Conversation, 0, 8)
	for rows.Next() {
		var (
			c      model.Conversation
			lmID   string
			lmText string
			lmFrom string
			lmAt   *time.Time
			p      model.Participant
			unread int
		)
		if err := rows.Scan(&c.ID, &c.Key, &c.PostID, &lmID, &lmText, &lmFrom, &lmAt,
			&c.CreatedAt, &c.UpdatedAt, &p.ID, &p.DisplayName, &p.AvatarURL, &unread); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].ID != c.ID {
			if lmID != "" && lmAt != nil {
				c.LastMessage = &model.MessageSummary{ID: lmID, Text: lmText, SenderID: lmFrom, CreatedAt: *lmAt}
			}
			c.UnreadCounts = make(map[string]int, 2)
			out = append(out, c)
		}
		cur := &out[len(out)-1]
		cur.Participants = append(cur.Participants, p)
		cur.ParticipantIDs = append(cur.ParticipantIDs, p.ID)
		cur.UnreadCounts[p.ID] = unread
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func loadConversation(ctx context.Context, q querier, where string, args ...any) (*model.Conversation, error) {
	list, err := loadConversations(ctx, q, where, args...)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, chat.ErrNotFound
	}
	return &list[0], nil
}

func (r *ChatStore) FindConversationByKey(ctx context.Context, key string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("chat.FindConversationByKey", time.Now())()
	c, err := loadConversation(ctx, r.pool, `WHERE c.resolution_key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("chatStore.FindConversationByKey: %w", err)
	}
	return c, nil
}

// CreateConversation пишет беседу и строки участников в одной транзакции. Конфликт по resolution_key
// означает, что параллельный запрос успел создать ту же беседу; тогда возвращается она.
func (r *ChatStore) CreateConversation(ctx context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	defer logger.DeferLogDuration("chat.CreateConversation", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("chatStore.CreateConversation begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, resolution_key, post_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (resolution_key) DO NOTHING`,
		c.ID, c.Key, c.PostID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("chatStore.CreateConversation insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		existing, err := r.FindConversationByKey(ctx, c.Key)
		if err != nil {
			return nil, false, fmt.Errorf("chatStore.CreateConversation existing: %w", err)
		}
		return existing, false, nil
	}

	batch := &pgx.Batch{}
	for i, p := range c.Participants {
		batch.Queue(
			`INSERT INTO conversation_participants (conversation_id, user_id, position, display_name, avatar_url, unread_count)
			 VALUES ($1, $2, $3, $4, $5, 0)`,
			c.ID, p.ID, i, p.DisplayName, p.AvatarURL,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, false, fmt.Errorf("chatStore.CreateConversation participants: %w", err)
	}
	created, err := loadConversation(ctx, tx, `WHERE c.id = $1`, c.ID)
	if err != nil {
		return nil, false, fmt.Errorf("chatStore.CreateConversation reload: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("chatStore.CreateConversation commit: %w", err)
	}
	return created, true, nil
}

func (r *ChatStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("chat.GetConversation", time.Now())()
	if _, err := uuid.Parse(id); err != nil {
		return nil, chat.ErrNotFound
	}
	c, err := loadConversation(ctx, r.pool, `WHERE c.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("chatStore.GetConversation: %w", err)
	}
	return c, nil
}

func (r *ChatStore) ListUserConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("chat.ListUserConversations", time.Now())()
	list, err := loadConversations(ctx, r.pool,
		`WHERE c.id IN (SELECT conversation_id FROM conversation_participants WHERE user_id = $1)`, userID)
	if err != nil {
		return nil, fmt.Errorf("chatStore.ListUserConversations: %w", err)
	}
	return list, nil
}

func (r *ChatStore) UnreadTotal(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("chat.UnreadTotal", time.Now())()
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(unread_count), 0)::int FROM conversation_participants WHERE user_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("chatStore.UnreadTotal: %w", err)
	}
	return total, nil
}

// notFound переводит pgx.ErrNoRows в chat.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.ErrNotFound
	}
	return err
}
