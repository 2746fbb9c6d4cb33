package chat

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/voisinage/internal/model"
)

// Store — хранилище бесед, сообщений и счётчиков непрочитанного.
// Реализации: repository.ChatStore (Postgres) и memory.Store (тесты, режим -memory).
type Store interface {
	// FindConversationByKey ищет беседу по ключу разрешения; ErrNotFound, если её нет.
	FindConversationByKey(ctx context.Context, key string) (*model.Conversation, error)
	// CreateConversation атомарно пишет беседу, индекс участников и нулевые счётчики.
	// Если беседа с тем же ключом уже есть, возвращает её и created=false.
	CreateConversation(ctx context.Context, c *model.Conversation) (conv *model.Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListUserConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	// AppendMessage в одной транзакции пишет сообщение, обновляет lastMessage и updatedAt
	// и атомарно увеличивает счётчик всем участникам, кроме отправителя.
	AppendMessage(ctx context.Context, m *model.Message) (*model.Conversation, error)
	// ListMessages возвращает до limit последних сообщений беседы.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	// MarkRead помечает прочитанными чужие сообщения и пересчитывает счётчик читателя
	// под блокировкой его строки. Возвращает число помеченных сообщений.
	MarkRead(ctx context.Context, conversationID, userID string) (int, error)
	// UnreadTotal суммирует счётчики пользователя по всем его беседам.
	UnreadTotal(ctx context.Context, userID string) (int, error)
	// Reconcile пересчитывает счётчики из флагов read и чинит устаревшие lastMessage.
	// Возвращает число исправленных записей.
	Reconcile(ctx context.Context) (int, error)
}

// ResolutionKey — канонический ключ (postID, множество участников): порядок id не важен.
// Каждая часть пишется с префиксом длины, поэтому разделители внутри id не склеивают разные наборы.
func ResolutionKey(postID string, participantIDs []string) string {
	ids := append([]string(nil), participantIDs...)
	sort.Strings(ids)
	var b strings.Builder
	writeKeyPart(&b, postID)
	for _, id := range ids {
		writeKeyPart(&b, id)
	}
	return b.String()
}

func writeKeyPart(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}
