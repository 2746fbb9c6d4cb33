package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/model"
	"github.com/voisinage/internal/realtime"
	"github.com/voisinage/internal/storage/memory"
)

// waitFor читает снимки, пока ok не вернёт true. Снимки могут повторяться.
func waitFor[T any](t *testing.T, c <-chan T, ok func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v, open := <-c:
			require.True(t, open, "subscription closed early")
			if ok(v) {
				return v
			}
		case <-deadline:
			t.Fatal("expected snapshot not delivered")
		}
	}
}

func TestSubscribeUnreadDeliversSnapshots(t *testing.T) {
	broker := realtime.NewLocal()
	svc := chat.NewService(memory.New(), broker, nil)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob})
	require.NoError(t, err)

	sub := svc.SubscribeUnread(ctx, bob.ID)
	defer sub.Close()

	waitFor(t, sub.C, func(n int) bool { return n == 0 })

	send(t, svc, conv.ID, alice, "un")
	send(t, svc, conv.ID, alice, "deux")
	waitFor(t, sub.C, func(n int) bool { return n == 2 })

	_, err = svc.MarkAsRead(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	waitFor(t, sub.C, func(n int) bool { return n == 0 })
}

func TestSubscribeMessagesFullStateNewestFirst(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "", []model.Participant{alice, bob})
	require.NoError(t, err)
	send(t, svc, conv.ID, alice, "premier")

	sub, err := svc.SubscribeMessages(ctx, conv.ID, bob.ID, 0)
	require.NoError(t, err)
	defer sub.Close()

	first := waitFor(t, sub.C, func(m []model.Message) bool { return len(m) == 1 })
	assert.Equal(t, "premier", first[0].Text)

	send(t, svc, conv.ID, bob, "second")
	got := waitFor(t, sub.C, func(m []model.Message) bool { return len(m) == 2 })
	assert.Equal(t, "second", got[0].Text)
	assert.Equal(t, "premier", got[1].Text)
}

func TestSubscribeConversationsSeesNewConversation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	sub := svc.SubscribeConversations(ctx, carol.ID)
	defer sub.Close()
	waitFor(t, sub.C, func(l []model.Conversation) bool { return len(l) == 0 })

	_, err := svc.SendMessage(ctx, chat.SendRequest{Sender: alice, Recipients: []model.Participant{carol}, Text: "coucou"})
	require.NoError(t, err)
	got := waitFor(t, sub.C, func(l []model.Conversation) bool { return len(l) == 1 && l[0].LastMessage != nil })
	assert.Equal(t, "coucou", got[0].LastMessage.Text)
	assert.Equal(t, 1, got[0].UnreadCounts[carol.ID])
}

func TestSubscribeMessagesRequiresParticipant(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "", []model.Participant{alice, bob})
	require.NoError(t, err)

	_, err = svc.SubscribeMessages(ctx, conv.ID, carol.ID, 0)
	assert.ErrorIs(t, err, chat.ErrForbidden)

	_, err = svc.SubscribeMessages(ctx, "missing", alice.ID, 0)
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestSubscriptionCloseReleasesBroker(t *testing.T) {
	broker := realtime.NewLocal()
	svc := chat.NewService(memory.New(), broker, nil)

	sub := svc.SubscribeUnread(context.Background(), alice.ID)
	<-sub.C
	assert.Equal(t, 1, broker.Subscribers(chat.UserTopic(alice.ID)))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, broker.Subscribers(chat.UserTopic(alice.ID)))
	_, open := <-sub.C
	assert.False(t, open)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	broker := realtime.NewLocal()
	svc := chat.NewService(memory.New(), broker, nil)
	ctx, cancel := context.WithCancel(context.Background())

	sub := svc.SubscribeConversations(ctx, alice.ID)
	<-sub.C
	cancel()

	require.Eventually(t, func() bool {
		return broker.Subscribers(chat.UserTopic(alice.ID)) == 0
	}, time.Second, 10*time.Millisecond)
	sub.Close()
}

func TestSlowConsumerGetsLatestSnapshot(t *testing.T) {
	broker := realtime.NewLocal()
	svc := chat.NewService(memory.New(), broker, nil)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "", []model.Participant{alice, bob})
	require.NoError(t, err)

	sub := svc.SubscribeUnread(ctx, bob.ID)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		send(t, svc, conv.ID, alice, "x")
	}
	waitFor(t, sub.C, func(n int) bool { return n == 10 })
}
