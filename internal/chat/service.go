// Package chat реализует беседы, отправку сообщений, счётчики непрочитанного и подписки на снимки.
package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/model"
	"github.com/voisinage/internal/realtime"
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200

	pushBodyMax      = 120
	attachmentNotice = "Pièce jointe"
)

// Broker разносит сигналы «данные изменились» по топикам.
type Broker interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(topic string) (signals <-chan struct{}, unsubscribe func())
}

// Notifier отправляет пуш-уведомление пользователю.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// ConversationTopic — топик изменений сообщений беседы.
func ConversationTopic(id string) string { return "conversation:" + id }

// UserTopic — топик изменений списка бесед и счётчиков пользователя.
func UserTopic(id string) string { return "user:" + id }

// Service — чат поверх Store и Broker. Создаётся один раз в main и передаётся зависимым.
type Service struct {
	store    Store
	broker   Broker
	notifier Notifier
	now      func() time.Time
}

type Option func(*Service)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создаёт сервис. broker nil — брокер внутри процесса; notifier nil — пуши не отправляются.
func NewService(store Store, broker Broker, notifier Notifier, opts ...Option) *Service {
	if broker == nil {
		broker = realtime.NewLocal()
	}
	s := &Service{store: store, broker: broker, notifier: notifier, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ResolveConversation возвращает беседу с ровно этим набором участников для postID или создаёт её.
func (s *Service) ResolveConversation(ctx context.Context, postID string, participants []model.Participant) (*model.Conversation, error) {
	defer logger.DeferLogDuration("chat.ResolveConversation", time.Now())()
	uniq := dedupe(participants)
	if len(uniq) < 2 {
		return nil, invalidf("at least 2 distinct participants required")
	}
	ids := make([]string, len(uniq))
	for i, p := range uniq {
		ids[i] = p.ID
	}
	key := ResolutionKey(postID, ids)

	conv, err := s.store.FindConversationByKey(ctx, key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, Classify("chat.ResolveConversation find", err)
	}

	now := s.now().UTC()
	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		counts[id] = 0
	}
	conv, created, err := s.store.CreateConversation(ctx, &model.Conversation{
		ID:             uuid.New().String(),
		Key:            key,
		Participants:   uniq,
		ParticipantIDs: ids,
		PostID:         postID,
		UnreadCounts:   counts,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, Classify("chat.ResolveConversation create", err)
	}
	if created {
		logger.Infof("chat: conversation %s created post=%q participants=%v", conv.ID, postID, ids)
		for _, id := range ids {
			s.publish(ctx, UserTopic(id))
		}
	}
	return conv, nil
}

// SendRequest — входные данные отправки. Без ConversationID беседа разрешается по PostID и Recipients.
type SendRequest struct {
	ConversationID string
	PostID         string
	Sender         model.Participant
	Recipients     []model.Participant
	Type           model.MessageType
	Text           string
	MediaURL       string
	MediaType      string
	FileName       string
}

// SendResult — сохранённое сообщение, состояние беседы после отправки и предупреждения о второстепенных сбоях.
type SendResult struct {
	Conversation *model.Conversation `json:"conversation"`
	Message      *model.Message      `json:"message"`
	Warnings     []string            `json:"warnings,omitempty"`
}

func validateContent(req *SendRequest) error {
	if req.Sender.ID == "" {
		return invalidf("sender required")
	}
	if req.Type == "" {
		req.Type = model.MessageTypeText
	}
	if !req.Type.Valid() {
		return invalidf("unknown message type %q", req.Type)
	}
	if req.Type != model.MessageTypeText && req.MediaURL == "" {
		return invalidf("media_url required for %s messages", req.Type)
	}
	if strings.TrimSpace(req.Text) == "" && req.MediaURL == "" {
		return invalidf("text or media required")
	}
	return nil
}

// SendMessage сохраняет сообщение и распространяет его последствия: lastMessage, updatedAt, счётчики, сигналы, пуши.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	defer logger.DeferLogDuration("chat.SendMessage", time.Now())()
	if err := validateContent(&req); err != nil {
		return nil, err
	}

	var (
		conv *model.Conversation
		err  error
	)
	if req.ConversationID == "" {
		if len(req.Recipients) == 0 {
			return nil, invalidf("conversation_id or recipient required")
		}
		conv, err = s.ResolveConversation(ctx, req.PostID, append([]model.Participant{req.Sender}, req.Recipients...))
	} else {
		conv, err = s.store.GetConversation(ctx, req.ConversationID)
		err = Classify("chat.SendMessage get", err)
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(req.Sender.ID) {
		return nil, ErrForbidden
	}

	msg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       req.Sender.ID,
		Type:           req.Type,
		Text:           req.Text,
		MediaURL:       req.MediaURL,
		MediaType:      req.MediaType,
		FileName:       req.FileName,
		CreatedAt:      s.now().UTC(),
	}
	updated, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, Classify("chat.SendMessage append", err)
	}

	res := &SendResult{Conversation: updated, Message: msg}
	if !s.publish(ctx, ConversationTopic(conv.ID)) {
		res.Warnings = append(res.Warnings, "realtime update for conversation delayed")
	}
	for _, id := range updated.ParticipantIDs {
		if !s.publish(ctx, UserTopic(id)) {
			res.Warnings = append(res.Warnings, "realtime update for participant "+id+" delayed")
		}
	}
	s.notify(updated, msg)
	return res, nil
}

// notify отправляет пуши всем участникам, кроме отправителя, не блокируя вызывающего.
func (s *Service) notify(conv *model.Conversation, msg *model.Message) {
	if s.notifier == nil {
		return
	}
	title := "Message"
	if p, ok := conv.Participant(msg.SenderID); ok && p.DisplayName != "" {
		title = p.DisplayName
	}
	body := msg.Text
	if msg.Type != model.MessageTypeText || body == "" {
		body = attachmentNotice
	}
	body = truncate(body, pushBodyMax)
	data := map[string]string{"conversation_id": conv.ID, "message_id": msg.ID}
	if conv.PostID != "" {
		data["post_id"] = conv.PostID
	}
	for _, uid := range conv.ParticipantIDs {
		if uid == msg.SenderID {
			continue
		}
		go s.notifier.Notify(context.Background(), uid, title, body, data)
	}
}

// MarkAsRead помечает прочитанными чужие сообщения беседы и сбрасывает счётчик читателя.
// Возвращает число помеченных сообщений.
func (s *Service) MarkAsRead(ctx context.Context, conversationID, userID string) (int, error) {
	defer logger.DeferLogDuration("chat.MarkAsRead", time.Now())()
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	n, err := s.store.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return 0, Classify("chat.MarkAsRead", err)
	}
	s.publish(ctx, ConversationTopic(conversationID))
	s.publish(ctx, UserTopic(userID))
	return n, nil
}

// UnreadTotal — сумма счётчиков пользователя по всем его беседам (O(число бесед)).
func (s *Service) UnreadTotal(ctx context.Context, userID string) (int, error) {
	n, err := s.store.UnreadTotal(ctx, userID)
	return n, Classify("chat.UnreadTotal", err)
}

// Conversation возвращает беседу, если userID её участник.
func (s *Service) Conversation(ctx context.Context, id, userID string) (*model.Conversation, error) {
	return s.authorize(ctx, id, userID)
}

// Conversations возвращает беседы пользователя, новые сверху.
func (s *Service) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("chat.Conversations", time.Now())()
	list, err := s.store.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, Classify("chat.Conversations", err)
	}
	sortConversations(list)
	return list, nil
}

// Messages возвращает последние сообщения беседы, новые сверху.
func (s *Service) Messages(ctx context.Context, conversationID, userID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("chat.Messages", time.Now())()
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.messages(ctx, conversationID, limit)
}

func (s *Service) messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	list, err := s.store.ListMessages(ctx, conversationID, clampLimit(limit))
	if err != nil {
		return nil, Classify("chat.Messages", err)
	}
	sortMessages(list)
	return list, nil
}

// Reconcile пересчитывает денормализованные счётчики и lastMessage.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	defer logger.DeferLogDuration("chat.Reconcile", time.Now())()
	n, err := s.store.Reconcile(ctx)
	if err != nil {
		return 0, Classify("chat.Reconcile", err)
	}
	return n, nil
}

func (s *Service) authorize(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, Classify("chat.authorize", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrForbidden
	}
	return conv, nil
}

// publish возвращает false, если сигнал не ушёл; слушатели получат состояние при следующем изменении.
func (s *Service) publish(ctx context.Context, topic string) bool {
	if err := s.broker.Publish(ctx, topic); err != nil {
		logger.Errorf("chat: publish %s: %v", topic, err)
		return false
	}
	return true
}

func dedupe(in []model.Participant) []model.Participant {
	seen := make(map[string]struct{}, len(in))
	out := make([]model.Participant, 0, len(in))
	for _, p := range in {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func sortMessages(list []model.Message) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
}

func sortConversations(list []model.Conversation) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
}
