package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSubs struct {
	mu   sync.Mutex
	subs map[string][]Subscription
}

func newMemSubs() *memSubs { return &memSubs{subs: map[string][]Subscription{}} }

func (m *memSubs) SaveSubscription(_ context.Context, userID string, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[userID] = append(m.subs[userID], sub)
	return nil
}

func (m *memSubs) Subscriptions(_ context.Context, userID string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Subscription(nil), m.subs[userID]...), nil
}

func (m *memSubs) RemoveSubscription(_ context.Context, userID, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.subs[userID][:0]
	for _, s := range m.subs[userID] {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	m.subs[userID] = kept
	return nil
}

func sub(endpoint string) Subscription {
	var s Subscription
	s.Endpoint = endpoint
	s.Keys.P256dh = "p256"
	s.Keys.Auth = "auth"
	return s
}

func testKeys() *VAPIDKeys { return &VAPIDKeys{PublicKey: "pub", PrivateKey: "priv"} }

func TestSenderPrunesGoneSubscriptions(t *testing.T) {
	subs := newMemSubs()
	ctx := context.Background()
	for _, e := range []string{"https://gw/ok", "https://gw/gone", "https://gw/missing", "https://gw/busy"} {
		require.NoError(t, subs.SaveSubscription(ctx, "u1", sub(e)))
	}
	s := NewSender(subs, testKeys())
	var payloads []string
	s.deliver = func(_ context.Context, payload []byte, ws *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
		payloads = append(payloads, string(payload))
		status := http.StatusCreated
		switch {
		case strings.HasSuffix(ws.Endpoint, "gone"):
			status = http.StatusGone
		case strings.HasSuffix(ws.Endpoint, "missing"):
			status = http.StatusNotFound
		case strings.HasSuffix(ws.Endpoint, "busy"):
			return nil, errors.New("timeout")
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	n, err := s.Deliver(ctx, NotifyRequest{UserID: "u1", Title: "Amina", Body: "Bonjour"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, payloads, 4)
	assert.Contains(t, payloads[0], `"title":"Amina"`)

	left, _ := subs.Subscriptions(ctx, "u1")
	var endpoints []string
	for _, l := range left {
		endpoints = append(endpoints, l.Endpoint)
	}
	assert.Equal(t, []string{"https://gw/ok", "https://gw/busy"}, endpoints)
}

func TestSenderWithoutKeysSkipsDelivery(t *testing.T) {
	subs := newMemSubs()
	require.NoError(t, subs.SaveSubscription(context.Background(), "u1", sub("https://gw/a")))
	s := NewSender(subs, nil)
	s.deliver = func(context.Context, []byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
		t.Fatal("delivery attempted without VAPID keys")
		return nil, nil
	}
	n, err := s.Deliver(context.Background(), NotifyRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, s.Enabled())
	assert.Empty(t, s.PublicKey())
}

func TestServerSubscribeAndNotify(t *testing.T) {
	subs := newMemSubs()
	sender := NewSender(subs, testKeys())
	var delivered atomic.Int32
	sender.deliver = func(context.Context, []byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
		delivered.Add(1)
		return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	srv := httptest.NewServer(NewServer(subs, sender, "").Routes())
	defer srv.Close()

	client := NewClient(srv.URL+"/", "")
	ctx := context.Background()
	require.NoError(t, client.Subscribe(ctx, "u1", sub("https://gw/1")))
	key, err := client.VAPIDPublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pub", key)

	client.Notify(ctx, "u1", "Amina", "Bonjour", map[string]string{"conversation_id": "c1"})
	assert.Equal(t, int32(1), delivered.Load())

	require.NoError(t, client.Unsubscribe(ctx, "u1", "https://gw/1"))
	left, _ := subs.Subscriptions(ctx, "u1")
	assert.Empty(t, left)

	err = client.Subscribe(ctx, "u1", Subscription{Endpoint: "no-keys"})
	var re *requestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadRequest, re.status)
}

func TestClientBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.Contains(r.URL.Path, "subscribe") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	client := NewClient(srv.URL, "")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.Error(t, client.Subscribe(ctx, "u1", sub("x")))
	}
	assert.Equal(t, gobreaker.StateClosed, client.cb.State(), "client errors keep the breaker closed")

	for i := 0; i < 10; i++ {
		client.Notify(ctx, "u1", "t", "b", nil)
	}
	assert.Equal(t, gobreaker.StateOpen, client.cb.State())
	assert.Equal(t, int32(15), hits.Load())
}

func TestDisabledClientIsNoop(t *testing.T) {
	c := NewClient("", "")
	assert.False(t, c.Enabled())
	c.Notify(context.Background(), "u1", "t", "b", nil)
	assert.NoError(t, c.Subscribe(context.Background(), "u1", sub("x")))
	key, err := c.VAPIDPublicKey(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, key)
}

func TestEnsureVAPIDKeysPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "vapid.json")
	first, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKey)
	require.NotEmpty(t, first.PrivateKey)

	second, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	raw, err := json.Marshal(first)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "public_key")
}
