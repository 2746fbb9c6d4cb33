// Package memory — хранилище бесед и объявлений в памяти процесса (тесты и режим -memory).
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/model"
)

// Store реализует chat.Store и posts.Store. Все операции выполняются под одним мьютексом,
// поэтому каждая из них атомарна так же, как транзакция в Postgres.
type Store struct {
	mu     sync.Mutex
	convs  map[string]*model.Conversation
	byKey  map[string]string
	byUser map[string]map[string]struct{}
	msgs   map[string][]*model.Message
	posts  map[string]*model.Post
}

func New() *Store {
	return &Store{
		convs:  make(map[string]*model.Conversation),
		byKey:  make(map[string]string),
		byUser: make(map[string]map[string]struct{}),
		msgs:   make(map[string][]*model.Message),
		posts:  make(map[string]*model.Post),
	}
}

func (s *Store) FindConversationByKey(_ context.Context, key string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return s.convs[id].Clone(), nil
}

func (s *Store) CreateConversation(_ context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[c.Key]; ok {
		return s.convs[id].Clone(), false, nil
	}
	stored := c.Clone()
	s.convs[c.ID] = stored
	s.byKey[c.Key] = c.ID
	for _, uid := range c.ParticipantIDs {
		set, ok := s.byUser[uid]
		if !ok {
			set = make(map[string]struct{})
			s.byUser[uid] = set
		}
		set[c.ID] = struct{}{}
	}
	return stored.Clone(), true, nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) ListUserConversations(_ context.Context, userID string) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Conversation, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		out = append(out, *s.convs[id].Clone())
	}
	return out, nil
}

func (s *Store) AppendMessage(_ context.Context, m *model.Message) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[m.ConversationID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	stored := *m
	stored.Read = false
	s.msgs[c.ID] = append(s.msgs[c.ID], &stored)
	// Как GREATEST в Postgres: сообщение со старой меткой не откатывает lastMessage и updatedAt.
	if c.LastMessage == nil || !stored.CreatedAt.Before(c.LastMessage.CreatedAt) {
		c.LastMessage = stored.Summary()
	}
	if stored.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = stored.CreatedAt
	}
	for _, uid := range c.ParticipantIDs {
		if uid != m.SenderID {
			c.UnreadCounts[uid]++
		}
	}
	return c.Clone(), nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.msgs[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]model.Message, 0, len(all)-start)
	for _, m := range all[start:] {
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) MarkRead(_ context.Context, conversationID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return 0, chat.ErrNotFound
	}
	n := 0
	for _, m := range s.msgs[conversationID] {
		if m.SenderID != userID && !m.Read {
			m.Read = true
			n++
		}
	}
	c.UnreadCounts[userID] = 0
	return n, nil
}

func (s *Store) UnreadTotal(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for id := range s.byUser[userID] {
		total += s.convs[id].UnreadCounts[userID]
	}
	return total, nil
}

func (s *Store) Reconcile(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fixed := 0
	for id, c := range s.convs {
		want := make(map[string]int, len(c.ParticipantIDs))
		for _, uid := range c.ParticipantIDs {
			want[uid] = 0
		}
		var last *model.Message
		for _, m := range s.msgs[id] {
			if !m.Read {
				for _, uid := range c.ParticipantIDs {
					if uid != m.SenderID {
						want[uid]++
					}
				}
			}
			if last == nil || !m.CreatedAt.Before(last.CreatedAt) {
				last = m
			}
		}
		for uid, n := range want {
			if c.UnreadCounts[uid] != n {
				c.UnreadCounts[uid] = n
				fixed++
			}
		}
		if last != nil && (c.LastMessage == nil || c.LastMessage.ID != last.ID) {
			c.LastMessage = last.Summary()
			if last.CreatedAt.After(c.UpdatedAt) {
				c.UpdatedAt = last.CreatedAt
			}
			fixed++
		}
	}
	return fixed, nil
}

// SetUnread выставляет счётчик напрямую; нужен только для проверки Reconcile.
func (s *Store) SetUnread(conversationID, userID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[conversationID]; ok {
		c.UnreadCounts[userID] = n
	}
}

func (s *Store) CreatePost(_ context.Context, p *model.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.posts[p.ID] = &cp
	return nil
}

func (s *Store) SetPostPhoto(_ context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return chat.ErrNotFound
	}
	p.PhotoURL = url
	return nil
}

func (s *Store) GetPost(_ context.Context, id string) (*model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPostsByGeohash(_ context.Context, prefixes []string, category model.Category) ([]model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Post
	for _, p := range s.posts {
		if p.Status != model.PostStatusOpen || (category != "" && p.Category != category) {
			continue
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(p.Geohash, prefix) {
				out = append(out, *p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
