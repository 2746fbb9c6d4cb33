package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/voisinage/internal/logger"
)

// Producer пишет ObjectFinalized в топик; ключ — путь объекта, чтобы события одного объекта шли в одну партицию.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (p *Producer) PublishFinalized(ctx context.Context, ev ObjectFinalized) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events.Publish marshal: %w", err)
	}
	msg := kafka.Message{Key: []byte(ev.Path), Value: data, Time: ev.FinalizedAt}
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if lastErr = p.writer.WriteMessages(ctx, msg); lastErr == nil {
			return nil
		}
		logger.Errorf("events: publish %s attempt %d: %v", ev.Path, attempt, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
		}
	}
	return fmt.Errorf("events.Publish %s: %w", ev.Path, lastErr)
}

func (p *Producer) Close() error { return p.writer.Close() }

const (
	handleAttempts = 5
	handleBackoff  = 500 * time.Millisecond
	// DeadLetterSuffix — суффикс топика, куда уходят события, не обработанные после всех попыток.
	DeadLetterSuffix = ".dead"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer читает события группой. Упавший вызов повторяется на месте с backoff,
// потом событие уходит в dead-letter топик; offset коммитится только после одного из двух.
// Если не удалась и запись в dead-letter, Run возвращает ошибку без коммита: после
// перезапуска событие будет доставлено снова.
type Consumer struct {
	reader   *kafka.Reader
	dead     messageWriter
	attempts int
	backoff  time.Duration
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		dead: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic + DeadLetterSuffix,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		attempts: handleAttempts,
		backoff:  handleBackoff,
	}
}

// Run обрабатывает события до отмены ctx.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Errorf("events: fetch: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if err := c.process(ctx, msg, handle); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("events: offset %d left uncommitted: %w", msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			logger.Errorf("events: commit offset %d: %v", msg.Offset, err)
		}
	}
}

// process возвращает nil, когда offset можно коммитить.
func (c *Consumer) process(ctx context.Context, msg kafka.Message, handle Handler) error {
	ev, err := decode(msg.Value)
	if err != nil {
		// Битое сообщение не станет валидным при повторе.
		return c.deadLetter(ctx, msg, err)
	}
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if lastErr = handle(ctx, ev); lastErr == nil {
			return nil
		}
		logger.Errorf("events: handle %s (offset %d) attempt %d: %v", ev.Path, msg.Offset, attempt, lastErr)
		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
	return c.deadLetter(ctx, msg, lastErr)
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	dead := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
			kafka.Header{Key: "source_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		),
	}
	if err := c.dead.WriteMessages(ctx, dead); err != nil {
		return fmt.Errorf("dead letter: %w (cause: %v)", err, cause)
	}
	logger.Warnf("events: offset %d moved to dead letter: %v", msg.Offset, cause)
	return nil
}

func (c *Consumer) Close() error {
	err := c.reader.Close()
	if w, ok := c.dead.(*kafka.Writer); ok {
		if werr := w.Close(); err == nil {
			err = werr
		}
	}
	return err
}
