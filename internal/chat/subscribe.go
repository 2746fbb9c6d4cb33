package chat

import (
	"context"

	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/model"
)

// Subscription доставляет в C полный текущий снимок: сразу после создания и после каждого изменения.
// Доставка at-least-once; медленный читатель получает самый свежий снимок, промежуточные отбрасываются.
// Close освобождает подписку в брокере; после Close канал C закрыт.
type Subscription[T any] struct {
	C      <-chan T
	cancel context.CancelFunc
	done   chan struct{}
}

// Close отменяет подписку и ждёт завершения горутины доставки. Повторный вызов безопасен.
func (s *Subscription[T]) Close() {
	s.cancel()
	<-s.done
}

func subscribe[T any](ctx context.Context, broker Broker, topic string, fetch func(context.Context) (T, error)) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan T, 1)
	sub := &Subscription[T]{C: out, cancel: cancel, done: make(chan struct{})}

	// Подписка на сигналы до первого снимка, иначе изменение между ними потеряется.
	signals, unsubscribe := broker.Subscribe(topic)

	deliver := func() {
		v, err := fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Errorf("chat: snapshot %s: %v", topic, err)
			}
			return
		}
		select {
		case <-out:
		default:
		}
		select {
		case out <- v:
		default:
		}
	}

	go func() {
		defer close(sub.done)
		defer close(out)
		defer unsubscribe()
		deliver()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()
	return sub
}

// SubscribeMessages — снимки сообщений беседы (новые сверху). Доступ проверяется один раз при подписке.
func (s *Service) SubscribeMessages(ctx context.Context, conversationID, userID string, limit int) (*Subscription[[]model.Message], error) {
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return subscribe(ctx, s.broker, ConversationTopic(conversationID), func(ctx context.Context) ([]model.Message, error) {
		return s.messages(ctx, conversationID, limit)
	}), nil
}

// SubscribeConversations — снимки списка бесед пользователя (по updatedAt, новые сверху).
func (s *Service) SubscribeConversations(ctx context.Context, userID string) *Subscription[[]model.Conversation] {
	return subscribe(ctx, s.broker, UserTopic(userID), func(ctx context.Context) ([]model.Conversation, error) {
		return s.Conversations(ctx, userID)
	})
}

// SubscribeUnread — снимки суммарного числа непрочитанных сообщений пользователя.
func (s *Service) SubscribeUnread(ctx context.Context, userID string) *Subscription[int] {
	return subscribe(ctx, s.broker, UserTopic(userID), func(ctx context.Context) (int, error) {
		return s.UnreadTotal(ctx, userID)
	})
}
