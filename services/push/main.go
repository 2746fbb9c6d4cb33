// Микросервис пуш-уведомлений (Web Push): подписки в Redis, отправка через VAPID.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/push"
	"github.com/voisinage/internal/startup"
)

type Config struct {
	ServerAddr     string
	RedisURL       string
	InternalSecret string
}

func loadConfig() *Config {
	return &Config{
		ServerAddr:     getEnv("SERVER_ADDR", ":8082"),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379"),
		InternalSecret: os.Getenv("PUSH_INTERNAL_SECRET"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger.SetPrefix("push")
	defer logger.Sync()
	if len(os.Args) > 1 && (os.Args[1] == "-gen-vapid" || os.Args[1] == "--gen-vapid") {
		priv, pub, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate VAPID: %v", err)
			os.Exit(1)
		}
		logger.Infof("VAPID_PUBLIC_KEY=%s", pub)
		logger.Infof("VAPID_PRIVATE_KEY=%s", priv)
		return
	}
	logger.Info("starting push service")
	cfg := loadConfig()

	keys := push.KeysFromEnv()
	if keys == nil {
		var err error
		if keys, err = push.EnsureVAPIDKeys(""); err != nil {
			logger.Infof("VAPID: не удалось загрузить/сгенерировать ключи: %v — push отключены", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := startup.ConnectRedis(ctx, cfg.RedisURL, 30*time.Second)
	if err != nil {
		logger.Errorf("redis: %v", err)
		os.Exit(1)
	}
	defer rdb.Close()
	logger.Info("redis connected")

	sender := push.NewSender(rdb, keys)
	if !sender.Enabled() {
		logger.Info("VAPID keys missing — подписки сохраняются, отправка не выполняется")
	}
	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      push.NewServer(rdb, sender, cfg.InternalSecret).Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("push service listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("push server: %v", err)
			os.Exit(1)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("push shutdown: %v", err)
	}
	logger.Info("push service stopped")
}
