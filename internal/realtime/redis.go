package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voisinage/internal/logger"
)

const DefaultChannelPrefix = "voisinage:rt:"

// Redis публикует сигналы через Redis pub/sub и раздаёт входящие локальным подписчикам,
// так что слушатели на всех экземплярах API просыпаются при записи на любом из них.
type Redis struct {
	cli    *redis.Client
	prefix string
	local  *Local
}

func NewRedis(cli *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Redis{cli: cli, prefix: prefix, local: NewLocal()}
}

func (r *Redis) Publish(ctx context.Context, topic string) error {
	if err := r.cli.Publish(ctx, r.prefix+topic, "1").Err(); err != nil {
		return fmt.Errorf("realtime.Publish %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(topic string) (<-chan struct{}, func()) {
	return r.local.Subscribe(topic)
}

// Run слушает все топики префикса до отмены ctx, переподключаясь после обрыва.
func (r *Redis) Run(ctx context.Context) {
	backoff := time.Second
	for {
		err := r.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Errorf("realtime: redis subscription lost, retry in %v: %v", backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (r *Redis) listen(ctx context.Context) error {
	ps := r.cli.PSubscribe(ctx, r.prefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	logger.Infof("realtime: subscribed to %s*", r.prefix)
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("channel closed")
			}
			r.local.Notify(strings.TrimPrefix(msg.Channel, r.prefix))
		}
	}
}
