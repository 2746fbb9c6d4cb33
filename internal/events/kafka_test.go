package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deadWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *deadWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func testConsumer(dead *deadWriter) *Consumer {
	return &Consumer{dead: dead, attempts: 3, backoff: time.Millisecond}
}

var finalized = kafka.Message{
	Offset: 41,
	Key:    []byte("posts/p1/a.jpg"),
	Value:  []byte(`{"bucket":"b","path":"posts/p1/a.jpg","content_type":"image/jpeg","size":3}`),
}

func TestProcessRetriesTransientFailure(t *testing.T) {
	dead := &deadWriter{}
	calls := 0
	err := testConsumer(dead).process(context.Background(), finalized, func(_ context.Context, ev ObjectFinalized) error {
		calls++
		if calls < 2 {
			return errors.New("storage timeout")
		}
		assert.Equal(t, "posts/p1/a.jpg", ev.Path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Empty(t, dead.msgs)
}

func TestProcessDeadLettersAfterAllAttempts(t *testing.T) {
	dead := &deadWriter{}
	calls := 0
	err := testConsumer(dead).process(context.Background(), finalized, func(context.Context, ObjectFinalized) error {
		calls++
		return errors.New("decode image")
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, dead.msgs, 1)
	assert.Equal(t, finalized.Value, dead.msgs[0].Value)
	assert.Equal(t, "decode image", header(dead.msgs[0], "error"))
	assert.Equal(t, "41", header(dead.msgs[0], "source_offset"))
}

func TestProcessKeepsOffsetWhenDeadLetterFails(t *testing.T) {
	dead := &deadWriter{err: errors.New("broker down")}
	err := testConsumer(dead).process(context.Background(), finalized, func(context.Context, ObjectFinalized) error {
		return errors.New("decode image")
	})
	assert.Error(t, err)
}

func TestProcessDeadLettersMalformedEvent(t *testing.T) {
	dead := &deadWriter{}
	called := false
	err := testConsumer(dead).process(context.Background(), kafka.Message{Offset: 7, Value: []byte("not json")},
		func(context.Context, ObjectFinalized) error {
			called = true
			return nil
		})
	require.NoError(t, err)
	assert.False(t, called)
	require.Len(t, dead.msgs, 1)
	assert.Equal(t, "7", header(dead.msgs[0], "source_offset"))
}

func TestProcessStopsOnCancel(t *testing.T) {
	dead := &deadWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{dead: dead, attempts: 5, backoff: time.Hour}
	err := c.process(ctx, finalized, func(context.Context, ObjectFinalized) error {
		cancel()
		return errors.New("storage timeout")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, dead.msgs)
}
