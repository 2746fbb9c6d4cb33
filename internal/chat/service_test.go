package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/model"
	"github.com/voisinage/internal/storage/memory"
)

var (
	alice = model.Participant{ID: "u1", DisplayName: "Amina"}
	bob   = model.Participant{ID: "u2", DisplayName: "Baptiste"}
	carol = model.Participant{ID: "u3", DisplayName: "Chloé"}
)

// stepClock отдаёт время, растущее на секунду при каждом вызове.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type pushCall struct {
	UserID, Title, Body string
	Data                map[string]string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []pushCall
}

func (f *fakeNotifier) Notify(_ context.Context, userID, title, body string, data map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pushCall{UserID: userID, Title: title, Body: body, Data: data})
}

func (f *fakeNotifier) snapshot() []pushCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushCall(nil), f.calls...)
}

func newService(t *testing.T) (*chat.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	clock := &stepClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	return chat.NewService(store, nil, nil, chat.WithClock(clock.Now)), store
}

func send(t *testing.T, svc *chat.Service, convID string, from model.Participant, text string) *chat.SendResult {
	t.Helper()
	res, err := svc.SendMessage(context.Background(), chat.SendRequest{ConversationID: convID, Sender: from, Text: text})
	require.NoError(t, err)
	return res
}

func TestResolveConversationIsIdempotent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	first, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob})
	require.NoError(t, err)
	second, err := svc.ResolveConversation(ctx, "p1", []model.Participant{bob, alice})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	list, err := store.ListUserConversations(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, map[string]int{"u1": 0, "u2": 0}, first.UnreadCounts)
	assert.Equal(t, []string{"u1", "u2"}, first.ParticipantIDs)
}

func TestResolveConversationMatchesExactSetAndPost(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	base, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob})
	require.NoError(t, err)

	otherPost, err := svc.ResolveConversation(ctx, "p2", []model.Participant{alice, bob})
	require.NoError(t, err)
	noPost, err := svc.ResolveConversation(ctx, "", []model.Participant{alice, bob})
	require.NoError(t, err)
	group, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob, carol})
	require.NoError(t, err)

	ids := map[string]struct{}{base.ID: {}, otherPost.ID: {}, noPost.ID: {}, group.ID: {}}
	assert.Len(t, ids, 4)

	again, err := svc.ResolveConversation(ctx, "", []model.Participant{bob, alice})
	require.NoError(t, err)
	assert.Equal(t, noPost.ID, again.ID)
}

func TestResolveConversationIDsWithSeparators(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	a := model.Participant{ID: "a"}
	b := model.Participant{ID: "b"}
	c := model.Participant{ID: "c"}

	pair, err := svc.ResolveConversation(ctx, "p1", []model.Participant{c, {ID: "a,b"}})
	require.NoError(t, err)
	trio, err := svc.ResolveConversation(ctx, "p1", []model.Participant{c, a, b})
	require.NoError(t, err)
	assert.NotEqual(t, pair.ID, trio.ID)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, trio.ParticipantIDs)

	onPost, err := svc.ResolveConversation(ctx, "q|a", []model.Participant{b, c})
	require.NoError(t, err)
	other, err := svc.ResolveConversation(ctx, "q", []model.Participant{{ID: "a|b"}, c})
	require.NoError(t, err)
	assert.NotEqual(t, onPost.ID, other.ID)
	assert.Equal(t, "q", other.PostID)
	assert.ElementsMatch(t, []string{"a|b", "c"}, other.ParticipantIDs)
}

func TestResolveConversationRequiresTwoDistinctParticipants(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice})
	assert.ErrorIs(t, err, chat.ErrInvalid)

	_, err = svc.ResolveConversation(ctx, "p1", []model.Participant{alice, alice, {ID: " "}})
	assert.ErrorIs(t, err, chat.ErrInvalid)

	conv, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob, alice})
	require.NoError(t, err)
	assert.Len(t, conv.Participants, 2)
}

func TestSequentialSendsIncrementUnread(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob})
	require.NoError(t, err)

	const n = 7
	var last *chat.SendResult
	for i := 0; i < n; i++ {
		last = send(t, svc, conv.ID, alice, "salut")
	}

	got, err := svc.Conversation(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.UnreadCounts[bob.ID])
	assert.Equal(t, 0, got.UnreadCounts[alice.ID])
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, last.Message.ID, got.LastMessage.ID)
	assert.Equal(t, last.Message.CreatedAt, got.UpdatedAt)
}

func TestConcurrentSendsDoNotLoseIncrements(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "", []model.Participant{alice, bob, carol})
	require.NoError(t, err)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := alice
			if i%2 == 1 {
				from = bob
			}
			_, err := svc.SendMessage(ctx, chat.SendRequest{ConversationID: conv.ID, Sender: from, Text: "x"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := svc.Conversation(ctx, conv.ID, carol.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.UnreadCounts[carol.ID])
	assert.Equal(t, n/2, got.UnreadCounts[alice.ID])
	assert.Equal(t, n/2, got.UnreadCounts[bob.ID])
}

func TestReadDuringSendsKeepsCounterExact(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob})
	require.NoError(t, err)

	const sends, reads = 60, 15
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SendMessage(ctx, chat.SendRequest{ConversationID: conv.ID, Sender: alice, Text: "x"})
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < reads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.MarkAsRead(ctx, conv.ID, bob.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := svc.Messages(ctx, conv.ID, bob.ID, sends)
	require.NoError(t, err)
	require.Len(t, msgs, sends)
	unread := 0
	for _, m := range msgs {
		if !m.Read {
			unread++
		}
	}
	got, err := svc.Conversation(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, unread, got.UnreadCounts[bob.ID])

	marked, err := svc.MarkAsRead(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, unread, marked)
	total, err := svc.UnreadTotal(ctx, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestOutOfOrderSendKeepsNewestLastMessage(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	svc := chat.NewService(store, nil, nil)
	conv, err := svc.ResolveConversation(ctx, "", []model.Participant{alice, bob})
	require.NoError(t, err)

	at := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	newer := &model.Message{ID: "m2", ConversationID: conv.ID, SenderID: alice.ID, Type: model.MessageTypeText, Text: "plus tard", CreatedAt: at}
	older := &model.Message{ID: "m1", ConversationID: conv.ID, SenderID: bob.ID, Type: model.MessageTypeText, Text: "avant", CreatedAt: at.Add(-time.Minute)}
	_, err = store.AppendMessage(ctx, newer)
	require.NoError(t, err)
	got, err := store.AppendMessage(ctx, older)
	require.NoError(t, err)

	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "m2", got.LastMessage.ID)
	assert.Equal(t, at, got.UpdatedAt)
	assert.Equal(t, 1, got.UnreadCounts[alice.ID])
	assert.Equal(t, 1, got.UnreadCounts[bob.ID])
}

func TestMarkAsReadResetsAndIsIdempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob})
	require.NoError(t, err)
	send(t, svc, conv.ID, alice, "un")
	send(t, svc, conv.ID, alice, "deux")
	send(t, svc, conv.ID, bob, "réponse")

	n, err := svc.MarkAsRead(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := svc.Conversation(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCounts[bob.ID])
	assert.Equal(t, 1, got.UnreadCounts[alice.ID])

	msgs, err := svc.Messages(ctx, conv.ID, bob.ID, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.SenderID == alice.ID {
			assert.True(t, m.Read, m.Text)
		} else {
			assert.False(t, m.Read, "own messages stay untouched")
		}
	}

	n, err = svc.MarkAsRead(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err = svc.Conversation(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCounts[bob.ID])
}

func TestUnreadTotalIsSumOverConversations(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	c1, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob})
	require.NoError(t, err)
	c2, err := svc.ResolveConversation(ctx, "p2", []model.Participant{carol, bob})
	require.NoError(t, err)
	c3, err := svc.ResolveConversation(ctx, "", []model.Participant{alice, carol})
	require.NoError(t, err)

	send(t, svc, c1.ID, alice, "a")
	send(t, svc, c1.ID, alice, "b")
	send(t, svc, c2.ID, carol, "c")
	send(t, svc, c3.ID, alice, "d")

	total, err := svc.UnreadTotal(ctx, bob.ID)
	require.NoError(t, err)

	sum := 0
	list, err := svc.Conversations(ctx, bob.ID)
	require.NoError(t, err)
	for _, c := range list {
		sum += c.UnreadCounts[bob.ID]
	}
	assert.Equal(t, 3, total)
	assert.Equal(t, sum, total)

	carolTotal, err := svc.UnreadTotal(ctx, carol.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, carolTotal)
}

func TestSendAndReadScenario(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	res, err := svc.SendMessage(ctx, chat.SendRequest{
		PostID:     "p1",
		Sender:     alice,
		Recipients: []model.Participant{bob},
		Text:       "Bonjour",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	list, err := store.ListUserConversations(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	conv := list[0]
	assert.ElementsMatch(t, []string{"u1", "u2"}, conv.ParticipantIDs)
	assert.Equal(t, "p1", conv.PostID)
	assert.Equal(t, map[string]int{"u1": 0, "u2": 1}, conv.UnreadCounts)

	msgs, err := store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Bonjour", msgs[0].Text)
	assert.False(t, msgs[0].Read)
	assert.Equal(t, model.MessageTypeText, msgs[0].Type)

	_, err = svc.MarkAsRead(ctx, conv.ID, bob.ID)
	require.NoError(t, err)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCounts["u2"])
	msgs, err = store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.True(t, msgs[0].Read)
}

func TestSendMessageAuthorization(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob})
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, chat.SendRequest{ConversationID: conv.ID, Sender: carol, Text: "intrus"})
	assert.ErrorIs(t, err, chat.ErrForbidden)

	_, err = svc.SendMessage(ctx, chat.SendRequest{ConversationID: "missing", Sender: alice, Text: "?"})
	assert.ErrorIs(t, err, chat.ErrNotFound)

	_, err = svc.Messages(ctx, conv.ID, carol.ID, 10)
	assert.ErrorIs(t, err, chat.ErrForbidden)

	_, err = svc.MarkAsRead(ctx, conv.ID, carol.ID)
	assert.ErrorIs(t, err, chat.ErrForbidden)
}

func TestSendMessageValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob})
	require.NoError(t, err)

	cases := map[string]chat.SendRequest{
		"empty text":         {ConversationID: conv.ID, Sender: alice, Text: "   "},
		"image without url":  {ConversationID: conv.ID, Sender: alice, Type: model.MessageTypeImage},
		"unknown type":       {ConversationID: conv.ID, Sender: alice, Type: "sticker", Text: "x"},
		"no target":          {Sender: alice, Text: "x"},
		"no sender":          {ConversationID: conv.ID, Text: "x"},
		"self only resolved": {PostID: "p1", Sender: alice, Recipients: []model.Participant{alice}, Text: "x"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.SendMessage(ctx, req)
			assert.ErrorIs(t, err, chat.ErrInvalid)
		})
	}

	res, err := svc.SendMessage(ctx, chat.SendRequest{
		ConversationID: conv.ID,
		Sender:         alice,
		Type:           model.MessageTypeDocument,
		MediaURL:       "https://files.example/devis.pdf",
		MediaType:      "application/pdf",
		FileName:       "devis.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, "devis.pdf", res.Message.FileName)
	assert.False(t, res.Message.Read)
}

func TestMessagesNewestFirstAndLimited(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "", []model.Participant{alice, bob})
	require.NoError(t, err)
	for _, text := range []string{"1", "2", "3", "4"} {
		send(t, svc, conv.ID, alice, text)
	}

	msgs, err := svc.Messages(ctx, conv.ID, bob.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"4", "3", "2"}, []string{msgs[0].Text, msgs[1].Text, msgs[2].Text})
}

func TestConversationsNewestFirst(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	c1, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob})
	require.NoError(t, err)
	c2, err := svc.ResolveConversation(ctx, "p2", []model.Participant{alice, bob})
	require.NoError(t, err)
	send(t, svc, c2.ID, bob, "b")
	send(t, svc, c1.ID, bob, "a")

	list, err := svc.Conversations(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, c1.ID, list[0].ID)
	assert.Equal(t, c2.ID, list[1].ID)
}

func TestSendMessageNotifiesOtherParticipants(t *testing.T) {
	store := memory.New()
	push := &fakeNotifier{}
	svc := chat.NewService(store, nil, push)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "p9", []model.Participant{alice, bob, carol})
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, chat.SendRequest{
		ConversationID: conv.ID,
		Sender:         alice,
		Type:           model.MessageTypeImage,
		MediaURL:       "https://files.example/p.jpg",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(push.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	calls := push.snapshot()
	var users []string
	for _, c := range calls {
		users = append(users, c.UserID)
		assert.Equal(t, "Amina", c.Title)
		assert.Equal(t, "Pièce jointe", c.Body)
		assert.Equal(t, conv.ID, c.Data["conversation_id"])
		assert.Equal(t, "p9", c.Data["post_id"])
	}
	assert.ElementsMatch(t, []string{"u2", "u3"}, users)
}

func TestPushBodyTruncated(t *testing.T) {
	push := &fakeNotifier{}
	svc := chat.NewService(memory.New(), nil, push)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "", []model.Participant{alice, bob})
	require.NoError(t, err)

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	send(t, svc, conv.ID, alice, string(long))

	require.Eventually(t, func() bool { return len(push.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	body := push.snapshot()[0].Body
	assert.Len(t, body, 120)
	assert.Equal(t, "...", body[117:])
}

// failingStore ломает запись беседы, имитируя сбой записи индекса участников.
type failingStore struct {
	*memory.Store
}

func (f failingStore) CreateConversation(context.Context, *model.Conversation) (*model.Conversation, bool, error) {
	return nil, false, errors.New("participant index write failed")
}

func TestCreateFailureIsRetryable(t *testing.T) {
	svc := chat.NewService(failingStore{memory.New()}, nil, nil)

	_, err := svc.ResolveConversation(context.Background(), "p1", []model.Participant{alice, bob})
	require.Error(t, err)
	assert.True(t, chat.IsRetryable(err))
	var re *chat.RetryableError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, chat.DefaultRetryAfter, re.RetryAfter)
}

func TestReconcileRepairsCounters(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	conv, err := svc.ResolveConversation(ctx, "p1", []model.Participant{alice, bob})
	require.NoError(t, err)
	send(t, svc, conv.ID, alice, "un")
	send(t, svc, conv.ID, alice, "deux")

	store.SetUnread(conv.ID, bob.ID, 0)
	store.SetUnread(conv.ID, alice.ID, 4)

	fixed, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fixed)

	got, err := svc.Conversation(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"u1": 0, "u2": 2}, got.UnreadCounts)

	fixed, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed)
}
