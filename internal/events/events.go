// Package events — события о загруженных объектах через Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ObjectFinalized публикуется после каждой успешной записи объекта в хранилище.
type ObjectFinalized struct {
	Bucket      string    `json:"bucket"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// Handler обрабатывает одно событие. Ошибка оставляет событие некоммиченным.
type Handler func(ctx context.Context, ev ObjectFinalized) error

// Publisher — источник событий (Kafka или прямой вызов обработчика).
type Publisher interface {
	PublishFinalized(ctx context.Context, ev ObjectFinalized) error
}

// Direct вызывает обработчик в том же процессе, когда брокеры не настроены.
type Direct struct {
	Handle Handler
}

func (d Direct) PublishFinalized(ctx context.Context, ev ObjectFinalized) error {
	if d.Handle == nil {
		return nil
	}
	return d.Handle(ctx, ev)
}

func decode(data []byte) (ObjectFinalized, error) {
	var ev ObjectFinalized
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("events: decode: %w", err)
	}
	return ev, nil
}
