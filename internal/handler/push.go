package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/middleware"
	"github.com/voisinage/internal/push"
)

// pushRetryAfter — сколько ждать, пока breaker push-клиента не попробует сервис снова.
const pushRetryAfter = 30 * time.Second

// PushHandler проксирует подписки браузера на push-сервис от имени текущего пользователя.
type PushHandler struct {
	client   *push.Client
	validate *validator.Validate
}

func NewPushHandler(client *push.Client) *PushHandler {
	return &PushHandler{client: client, validate: validator.New()}
}

// SubscribeRequest — тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription push.Subscription `json:"subscription"`
}

// UnsubscribeRequest — тело для отписки по endpoint.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type subscriptionInput struct {
	Endpoint string `validate:"required,max=2048,url,startswith=https://"`
	P256dh   string `validate:"required"`
	Auth     string `validate:"required"`
}

// Subscribe сохраняет подписку на push-сервисе для текущего пользователя.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetParticipant(r.Context())
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	sub, err := h.checkSubscription(req.Subscription)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !h.client.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "push not configured")
		return
	}
	if err := h.client.Subscribe(r.Context(), me.ID, sub); err != nil {
		writeServiceError(w, r, pushError("push.Subscribe", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unsubscribe удаляет подписку по endpoint.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetParticipant(r.Context())
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if err := h.validate.Var(endpoint, "required,url,startswith=https://"); err != nil {
		writeServiceError(w, r, fmt.Errorf("%w: endpoint must be an https URL", chat.ErrInvalid))
		return
	}
	if !h.client.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "push not configured")
		return
	}
	if err := h.client.Unsubscribe(r.Context(), me.ID, endpoint); err != nil {
		writeServiceError(w, r, pushError("push.Unsubscribe", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkSubscription проверяет endpoint и ключи: p256dh — несжатая точка P-256 (65 байт), auth — 16 байт.
func (h *PushHandler) checkSubscription(sub push.Subscription) (push.Subscription, error) {
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	sub.Keys.P256dh = strings.TrimRight(strings.TrimSpace(sub.Keys.P256dh), "=")
	sub.Keys.Auth = strings.TrimRight(strings.TrimSpace(sub.Keys.Auth), "=")
	in := subscriptionInput{Endpoint: sub.Endpoint, P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth}
	if err := h.validate.Struct(in); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && ve[0].Field() == "Endpoint" {
			return sub, fmt.Errorf("%w: subscription.endpoint must be an https URL", chat.ErrInvalid)
		}
		return sub, fmt.Errorf("%w: subscription.endpoint and subscription.keys required", chat.ErrInvalid)
	}
	if key, err := base64.RawURLEncoding.DecodeString(sub.Keys.P256dh); err != nil || len(key) != 65 || key[0] != 0x04 {
		return sub, fmt.Errorf("%w: subscription.keys.p256dh is not a P-256 public key", chat.ErrInvalid)
	}
	if secret, err := base64.RawURLEncoding.DecodeString(sub.Keys.Auth); err != nil || len(secret) != 16 {
		return sub, fmt.Errorf("%w: subscription.keys.auth must be 16 bytes", chat.ErrInvalid)
	}
	return sub, nil
}

// pushError: отказ сервиса (4xx) — ошибка запроса; разомкнутый breaker и прочие сбои — можно повторить.
func pushError(op string, err error) error {
	switch {
	case push.IsRejected(err):
		return fmt.Errorf("%w: subscription rejected by push service", chat.ErrInvalid)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &chat.RetryableError{Op: op, RetryAfter: pushRetryAfter, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &chat.RetryableError{Op: op, RetryAfter: chat.DefaultRetryAfter, Err: err}
	}
}
