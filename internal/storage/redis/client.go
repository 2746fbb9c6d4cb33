// Package redis — клиент Redis: подписки Web Push пользователей и доступ к pub/sub для realtime.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	subsKeyPrefix   = "push:subs:"
	MaxSubsPerUser  = 10
	SubscriptionTTL = 30 * 24 * time.Hour
)

// PushSubscription — подписка из браузера.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type storedSubscription struct {
	PushSubscription
	SavedAt time.Time `json:"saved_at"`
}

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Redis возвращает низкоуровневый клиент (pub/sub для realtime-шины).
func (c *Client) Redis() *redis.Client { return c.cli }

func (c *Client) Close() error {
	return c.cli.Close()
}

// SaveSubscription сохраняет подписку в хеше push:subs:{user} по endpoint. Повторная подписка
// с тем же endpoint перезаписывает ключи. Сверх MaxSubsPerUser удаляются самые старые.
func (c *Client) SaveSubscription(ctx context.Context, userID string, sub PushSubscription) error {
	raw, err := json.Marshal(storedSubscription{PushSubscription: sub, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("redis.SaveSubscription encode: %w", err)
	}
	key := subsKeyPrefix + userID
	pipe := c.cli.TxPipeline()
	pipe.HSet(ctx, key, sub.Endpoint, raw)
	pipe.Expire(ctx, key, SubscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.SaveSubscription: %w", err)
	}
	return c.trim(ctx, key)
}

func (c *Client) trim(ctx context.Context, key string) error {
	all, err := c.cli.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis.trim: %w", err)
	}
	if len(all) <= MaxSubsPerUser {
		return nil
	}
	subs := make([]storedSubscription, 0, len(all))
	for endpoint, raw := range all {
		var s storedSubscription
		if json.Unmarshal([]byte(raw), &s) != nil {
			s.Endpoint = endpoint
		}
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].SavedAt.Before(subs[j].SavedAt) })
	stale := make([]string, 0, len(subs)-MaxSubsPerUser)
	for _, s := range subs[:len(subs)-MaxSubsPerUser] {
		stale = append(stale, s.Endpoint)
	}
	if err := c.cli.HDel(ctx, key, stale...).Err(); err != nil {
		return fmt.Errorf("redis.trim: %w", err)
	}
	return nil
}

// Subscriptions возвращает все действующие подписки пользователя.
func (c *Client) Subscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	all, err := c.cli.HGetAll(ctx, subsKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.Subscriptions: %w", err)
	}
	out := make([]PushSubscription, 0, len(all))
	for _, raw := range all {
		var s storedSubscription
		if json.Unmarshal([]byte(raw), &s) == nil && s.Endpoint != "" {
			out = append(out, s.PushSubscription)
		}
	}
	return out, nil
}

// RemoveSubscription удаляет подписку по endpoint.
func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	if err := c.cli.HDel(ctx, subsKeyPrefix+userID, endpoint).Err(); err != nil {
		return fmt.Errorf("redis.RemoveSubscription: %w", err)
	}
	return nil
}
