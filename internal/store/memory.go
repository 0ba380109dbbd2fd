package store

import (
	"context"
	"log/slog"
	"sync"
)

// Memory is an in-process Backend. Several Stores sharing one Memory behave
// like surfaces sharing one origin's storage.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
	subs   map[string]map[chan Change]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
		subs:   make(map[string]map[chan Change]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := append([]byte(nil), value...)
	m.values[key] = v
	m.notify(key, v)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.values[key]; !ok {
		return nil
	}
	delete(m.values, key)
	m.notify(key, nil)
	return nil
}

// notify must be called with mu held.
func (m *Memory) notify(key string, value []byte) {
	for ch := range m.subs[key] {
		select {
		case ch <- Change{Key: key, Value: value}:
		default:
			slog.Warn("[STORE] Subscriber buffer full, dropping change", "key", key)
		}
	}
}

func (m *Memory) Subscribe(ctx context.Context, key string) (<-chan Change, error) {
	ch := make(chan Change, 64)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, nil
	}
	if m.subs[key] == nil {
		m.subs[key] = make(map[chan Change]struct{})
	}
	m.subs[key][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[key][ch]; ok {
			delete(m.subs[key], ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for key, subs := range m.subs {
		for ch := range subs {
			close(ch)
		}
		delete(m.subs, key)
	}
	return nil
}
