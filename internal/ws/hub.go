package ws

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/model"
)

const opTimeout = 5 * time.Second

// frameError — ошибка в самом кадре клиента, текст безопасно отдавать наружу.
type frameError string

func (e frameError) Error() string { return string(e) }

// Hub держит соединения и переводит кадры клиента в операции chat.Service.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	maxConns   int
	chat       *chat.Service
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(svc *chat.Service, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		chat:       svc,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Done закрывается, когда хаб остановлен и все клиенты отключены.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Connections — число активных соединений.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.user.ID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.user.ID]; !ok {
		h.clients[c.user.ID] = make(map[*Client]struct{})
	}
	h.clients[c.user.ID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.user.ID]
	if ok {
		if _, exists := clients[c]; exists {
			delete(clients, c)
			h.total--
			if len(clients) == 0 {
				delete(h.clients, c.user.ID)
			}
		}
	}
	h.mu.Unlock()

	// Network I/O outside the lock; Close также закрывает подписки клиента.
	c.Close()
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventSubscribe:
		h.handleSubscribe(ctx, c, msg)
	case EventUnsubscribe:
		h.handleUnsubscribe(c, msg)
	case EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	case EventMarkRead:
		h.handleMarkRead(ctx, c, msg)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, RequestID: msg.RequestID, Error: "unknown event type"})
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.SubID == "" {
		h.sendError(c, msg, frameError("sub_id required"))
		return
	}
	if c.hasSubscription(msg.SubID) {
		h.sendError(c, msg, frameError("sub_id already in use"))
		return
	}

	var (
		closeFn func()
		start   func()
	)
	switch msg.Target {
	case TargetMessages:
		if msg.ConversationID == "" {
			h.sendError(c, msg, frameError("conversation_id required"))
			return
		}
		sub, err := h.chat.SubscribeMessages(ctx, msg.ConversationID, c.user.ID, msg.Limit)
		if err != nil {
			h.sendError(c, msg, err)
			return
		}
		closeFn, start = sub.Close, func() { forward(h, c, msg.SubID, msg.Target, sub) }
	case TargetConversations:
		sub := h.chat.SubscribeConversations(ctx, c.user.ID)
		closeFn, start = sub.Close, func() { forward(h, c, msg.SubID, msg.Target, sub) }
	case TargetUnread:
		sub := h.chat.SubscribeUnread(ctx, c.user.ID)
		closeFn, start = sub.Close, func() { forward(h, c, msg.SubID, msg.Target, sub) }
	default:
		h.sendError(c, msg, frameError("target must be messages, conversations or unread"))
		return
	}

	if !c.addSubscription(msg.SubID, closeFn) {
		closeFn()
		h.sendError(c, msg, frameError("subscription limit reached"))
		return
	}
	// ack уходит раньше первого снимка: пересылка запускается после него.
	h.sendToClient(c, OutgoingMessage{
		Type: EventAck, RequestID: msg.RequestID, SubID: msg.SubID, Target: msg.Target,
		Data: SubscribedPayload{SubID: msg.SubID, Target: msg.Target},
	})
	start()
}

// forward пересылает снимки подписки клиенту, пока подписка не закрыта.
func forward[T any](h *Hub, c *Client, subID string, target Target, sub *chat.Subscription[T]) {
	go func() {
		for v := range sub.C {
			h.sendToClient(c, OutgoingMessage{Type: EventSnapshot, SubID: subID, Target: target, Data: v})
		}
	}()
}

func (h *Hub) handleUnsubscribe(c *Client, msg IncomingMessage) {
	if !c.removeSubscription(msg.SubID) {
		h.sendError(c, msg, frameError("unknown sub_id"))
		return
	}
	h.sendToClient(c, OutgoingMessage{
		Type: EventAck, RequestID: msg.RequestID, SubID: msg.SubID,
		Data: SubscribedPayload{SubID: msg.SubID},
	})
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req := chat.SendRequest{
		ConversationID: msg.ConversationID,
		PostID:         msg.PostID,
		Sender:         c.user,
		Type:           msg.MessageType,
		Text:           msg.Text,
		MediaURL:       msg.MediaURL,
		MediaType:      msg.MediaType,
		FileName:       msg.FileName,
	}
	if msg.Recipient != nil {
		req.Recipients = []model.Participant{*msg.Recipient}
	}
	res, err := h.chat.SendMessage(ctx, req)
	if err != nil {
		h.sendError(c, msg, err)
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventAck, RequestID: msg.RequestID, Data: res})
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ConversationID == "" {
		h.sendError(c, msg, frameError("conversation_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := h.chat.MarkAsRead(ctx, msg.ConversationID, c.user.ID)
	if err != nil {
		h.sendError(c, msg, err)
		return
	}
	h.sendToClient(c, OutgoingMessage{
		Type: EventAck, RequestID: msg.RequestID,
		Data: MarkedPayload{ConversationID: msg.ConversationID, Marked: n},
	})
}

// sendError переводит ошибку сервиса в кадр error; внутренние детали наружу не уходят.
func (h *Hub) sendError(c *Client, msg IncomingMessage, err error) {
	out := OutgoingMessage{Type: EventError, RequestID: msg.RequestID, SubID: msg.SubID}
	var (
		retry *chat.RetryableError
		frame frameError
	)
	switch {
	case errors.Is(err, chat.ErrNotFound):
		out.Error = "not found"
	case errors.Is(err, chat.ErrForbidden):
		out.Error = "forbidden"
	case errors.Is(err, chat.ErrInvalid):
		out.Error = err.Error()
	case errors.As(err, &retry):
		logger.Errorf("ws %s user=%s: %v", msg.Type, c.user.ID, err)
		out.Error = "temporarily unavailable"
		out.RetryAfter = int(math.Ceil(retry.RetryAfter.Seconds()))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.Error = "request cancelled"
	case errors.As(err, &frame):
		out.Error = string(frame)
	default:
		logger.Errorf("ws %s: %v", msg.Type, err)
		out.Error = "internal error"
	}
	h.sendToClient(c, out)
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.user.ID)
		go c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
