package startup

import (
	"context"
	"fmt"

	"github.com/voisinage/internal/config"
	"github.com/voisinage/internal/events"
	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/objectstore"
)

// ObjectStore открывает хранилище по STORAGE_BACKEND: s3 (AWS или S3-совместимое) либо local.
func ObjectStore(ctx context.Context, cfg config.StorageConfig) (objectstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		s, err := objectstore.NewS3(ctx, cfg.Region, cfg.Bucket, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		logger.Infof("object storage: s3 bucket=%s endpoint=%q", cfg.Bucket, cfg.Endpoint)
		return s, nil
	case "local", "":
		s, err := objectstore.NewLocal(cfg.LocalDir, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		logger.Infof("object storage: local dir=%s", cfg.LocalDir)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q (local|s3)", cfg.Backend)
	}
}

// FinalizePublisher — Kafka-продюсер, если брокеры заданы; иначе fallback вызывается в процессе.
// close закрывает продюсер (для fallback — no-op).
func FinalizePublisher(cfg config.KafkaConfig, fallback events.Handler) (pub events.Publisher, close func() error) {
	if len(cfg.Brokers) == 0 {
		logger.Info("events: KAFKA_BROKERS not set, finalize events handled in-process")
		return events.Direct{Handle: fallback}, func() error { return nil }
	}
	p := events.NewProducer(cfg.Brokers, cfg.UploadsTopic)
	logger.Infof("events: publishing to %s on %v", cfg.UploadsTopic, cfg.Brokers)
	return p, p.Close
}
