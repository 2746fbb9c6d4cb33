package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPublishWakesSubscribers(t *testing.T) {
	l := NewLocal()
	a, unsubA := l.Subscribe("conversation:1")
	b, unsubB := l.Subscribe("conversation:1")
	other, unsubOther := l.Subscribe("conversation:2")
	defer unsubA()
	defer unsubB()
	defer unsubOther()

	require.NoError(t, l.Publish(context.Background(), "conversation:1"))

	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber not signalled")
		}
	}
	select {
	case <-other:
		t.Fatal("unrelated topic signalled")
	default:
	}
}

func TestLocalCoalescesSignals(t *testing.T) {
	l := NewLocal()
	ch, unsub := l.Subscribe("user:u1")
	defer unsub()

	for i := 0; i < 5; i++ {
		l.Notify("user:u1")
	}
	<-ch
	select {
	case <-ch:
		t.Fatal("signals should coalesce into one")
	default:
	}
}

func TestLocalUnsubscribe(t *testing.T) {
	l := NewLocal()
	ch, unsub := l.Subscribe("user:u1")
	assert.Equal(t, 1, l.Subscribers("user:u1"))

	unsub()
	unsub()
	assert.Equal(t, 0, l.Subscribers("user:u1"))

	_, ok := <-ch
	assert.False(t, ok, "channel closed after unsubscribe")

	l.Notify("user:u1")
}
