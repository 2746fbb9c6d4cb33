package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/voisinage/internal/logger"
)

// SubscriptionStore — хранилище подписок (storage/redis.Client).
type SubscriptionStore interface {
	SaveSubscription(ctx context.Context, userID string, sub Subscription) error
	Subscriptions(ctx context.Context, userID string) ([]Subscription, error)
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
}

type deliverFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Sender доставляет уведомления на все подписки пользователя через Web Push (VAPID).
type Sender struct {
	subs    SubscriptionStore
	vapid   *webpush.Options
	deliver deliverFunc
}

// NewSender создаёт отправителя. keys == nil — подписки сохраняются, отправка не выполняется.
func NewSender(subs SubscriptionStore, keys *VAPIDKeys) *Sender {
	s := &Sender{subs: subs, deliver: webpush.SendNotificationWithContext}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		s.vapid = &webpush.Options{
			Subscriber:      "voisinage-push",
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return s
}

// Enabled — есть ли ключи VAPID для отправки.
func (s *Sender) Enabled() bool { return s.vapid != nil }

func (s *Sender) PublicKey() string {
	if s.vapid == nil {
		return ""
	}
	return s.vapid.VAPIDPublicKey
}

// Deliver отправляет уведомление и возвращает число успешных доставок.
// Подписки, на которые шлюз ответил 404/410, удаляются.
func (s *Sender) Deliver(ctx context.Context, req NotifyRequest) (int, error) {
	subs, err := s.subs.Subscriptions(ctx, req.UserID)
	if err != nil {
		return 0, fmt.Errorf("push.Deliver: %w", err)
	}
	if s.vapid == nil || len(subs) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(map[string]any{"title": req.Title, "body": req.Body, "data": req.Data})
	if err != nil {
		return 0, fmt.Errorf("push.Deliver encode: %w", err)
	}

	sent := 0
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := s.deliver(ctx, payload, wpSub, s.vapid)
		if err != nil {
			logger.Errorf("push: send %s: %v", shortEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			if err := s.subs.RemoveSubscription(ctx, req.UserID, sub.Endpoint); err != nil {
				logger.Errorf("push: prune %s: %v", shortEndpoint(sub.Endpoint), err)
			}
		case resp.StatusCode >= 300:
			logger.Warnf("push: gateway %s answered %d", shortEndpoint(sub.Endpoint), resp.StatusCode)
		default:
			sent++
		}
	}
	return sent, nil
}

func shortEndpoint(e string) string {
	return e[:min(50, len(e))]
}
