package startup

import (
	"context"
	"time"

	redisstorage "github.com/voisinage/internal/storage/redis"
)

// ConnectRedis подключается к Redis с повторами.
func ConnectRedis(ctx context.Context, url string, maxWait time.Duration) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	err := retry(ctx, "redis connect", maxWait, func(ctx context.Context) error {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(connectCtx, url)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
