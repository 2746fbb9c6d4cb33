package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/middleware"
	redisstorage "github.com/voisinage/internal/storage/redis"
)

// Subscription — подписка из браузера.
type Subscription = redisstorage.PushSubscription

// Client вызывает микросервис пуш-уведомлений. Если URL пустой — методы no-op.
// Вызовы идут через circuit breaker: при недоступном сервисе уведомления отбрасываются сразу.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

// NewClient создаёт клиент. baseURL пустой — пуши отключены. secret уходит в X-Internal-Secret.
func NewClient(baseURL, secret string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "push",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// 4xx — ошибка запроса, а не сервиса: breaker не размыкает.
			IsSuccessful: func(err error) bool {
				var re *requestError
				return err == nil || errors.As(err, &re)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Infof("push: circuit %s %s -> %s", name, from, to)
			},
		}),
	}
}

// Enabled — настроен ли адрес push-сервиса.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// SubscribeRequest — тело запроса подписки.
type SubscribeRequest struct {
	UserID       string       `json:"user_id"`
	Subscription Subscription `json:"subscription"`
}

// UnsubscribeRequest — тело запроса отписки.
type UnsubscribeRequest struct {
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
}

// NotifyRequest — запрос на отправку уведомления.
type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Subscribe сохраняет подписку для user_id на push-сервисе.
func (c *Client) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	if c.baseURL == "" {
		return nil
	}
	return c.call(ctx, http.MethodPost, "/api/subscribe", SubscribeRequest{UserID: userID, Subscription: sub})
}

// Unsubscribe удаляет подписку по endpoint.
func (c *Client) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	if c.baseURL == "" {
		return nil
	}
	return c.call(ctx, http.MethodDelete, "/api/subscribe", UnsubscribeRequest{UserID: userID, Endpoint: endpoint})
}

// Notify отправляет пуш пользователю (вызывается из API при новом сообщении).
// Ошибки только логируются: уведомление — побочный эффект.
func (c *Client) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if c.baseURL == "" {
		return
	}
	err := c.call(ctx, http.MethodPost, "/api/notify", NotifyRequest{UserID: userID, Title: title, Body: body, Data: data})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		logger.Debugw("push notify dropped", "user", userID, "reason", err.Error())
	case err != nil:
		logger.Errorf("push notify %s: %v", userID, err)
	}
}

// VAPIDPublicKey запрашивает публичный ключ у push-сервиса.
func (c *Client) VAPIDPublicKey(ctx context.Context) (string, error) {
	if c.baseURL == "" {
		return "", nil
	}
	key, err := c.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/vapid-public", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("push vapid-public: %d", resp.StatusCode)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(string(raw)), nil
	})
	if err != nil {
		return "", err
	}
	return key.(string), nil
}

func (c *Client) call(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push %s encode: %w", path, err)
	}
	_, err = c.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.secret != "" {
			req.Header.Set(middleware.InternalSecretHeader, c.secret)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil, nil
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("push %s: %d", path, resp.StatusCode)
		default:
			return nil, &requestError{path: path, status: resp.StatusCode}
		}
	})
	return err
}

type requestError struct {
	path   string
	status int
}

func (e *requestError) Error() string { return fmt.Sprintf("push %s: %d", e.path, e.status) }

// IsRejected — push-сервис отклонил запрос (4xx): повтор того же запроса не поможет.
func IsRejected(err error) bool {
	var re *requestError
	return errors.As(err, &re)
}
