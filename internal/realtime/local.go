// Package realtime разносит сигналы «данные изменились» подписчикам по топикам.
// Сигнал не несёт данных: подписчик сам перечитывает текущее состояние.
package realtime

import (
	"context"
	"sync"
)

// Local — брокер внутри процесса. Сигналы к одному подписчику схлопываются:
// пока предыдущий не прочитан, новый не ставится в очередь.
type Local struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[chan struct{}]struct{})}
}

// Publish будит всех подписчиков топика. Никогда не блокируется.
func (l *Local) Publish(_ context.Context, topic string) error {
	l.Notify(topic)
	return nil
}

// Notify — Publish без контекста, для ретрансляции из внешней шины.
func (l *Local) Notify(topic string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe возвращает канал сигналов и функцию отписки (идемпотентна, закрывает канал).
func (l *Local) Subscribe(topic string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	set, ok := l.subs[topic]
	if !ok {
		set = make(map[chan struct{}]struct{})
		l.subs[topic] = set
	}
	set[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(set, ch)
			if len(set) == 0 {
				delete(l.subs, topic)
			}
			close(ch)
		})
	}
}

// Subscribers возвращает число активных подписок на топик.
func (l *Local) Subscribers(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[topic])
}
