// Package startup — подключение к внешним зависимостям при старте сервисов.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voisinage/internal/logger"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// retry повторяет attempt с экспоненциальной паузой 2s → 30s, пока не истечёт maxWait или ctx.
func retry(ctx context.Context, what string, maxWait time.Duration, attempt func(context.Context) error) error {
	deadline := time.Now().Add(maxWait)
	backoff := initialBackoff
	for {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s failed, retry in %v: %v", what, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// ConnectDB подключается к Postgres с повторами; БД, поднимающаяся позже сервиса, не роняет процесс сразу.
func ConnectDB(ctx context.Context, url string, maxConns int, maxWait time.Duration) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = 2

	var pool *pgxpool.Pool
	err = retry(ctx, "db connect", maxWait, func(ctx context.Context) error {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		p, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(connectCtx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}
