// Обработчик событий ObjectFinalized: строит миниатюры загруженных изображений.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/voisinage/internal/config"
	"github.com/voisinage/internal/events"
	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/startup"
	"github.com/voisinage/internal/thumbnail"
)

func main() {
	logger.SetPrefix("thumbnail")
	defer logger.Sync()
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Errorf("KAFKA_BROKERS not set: without the event bus thumbnails are built by api/files in-process")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objects, err := startup.ObjectStore(ctx, cfg.Storage)
	if err != nil {
		logger.Errorf("object storage: %v", err)
		os.Exit(1)
	}
	gen := thumbnail.New(objects, os.Getenv("THUMBNAIL_TMP_DIR"))

	consumer := events.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.UploadsTopic, cfg.Kafka.GroupID)
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Errorf("consumer close: %v", err)
		}
	}()
	logger.Infof("consuming %s as %s", cfg.Kafka.UploadsTopic, cfg.Kafka.GroupID)
	if err := consumer.Run(ctx, gen.Handle); err != nil {
		logger.Errorf("consumer: %v", err)
		os.Exit(1)
	}
	logger.Info("thumbnail worker stopped")
}
