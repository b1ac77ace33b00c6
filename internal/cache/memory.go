package cache

import (
	"container/list"
	"context"
	"sync"
)

type memoryStore struct {
	items     map[string]*list.Element
	insertion *list.List // front = oldest
}

// Memory is a thread-safe in-process Storage. Each store keeps its entries in
// insertion order; reads never reorder them.
type Memory struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
	names  []string
	seq    int64
}

// NewMemory creates an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{stores: make(map[string]*memoryStore)}
}

// Open returns a handle for the named store.
func (m *Memory) Open(_ context.Context, name string) (Store, error) {
	return &memoryHandle{m: m, name: name}, nil
}

// Has reports whether the named store exists.
func (m *Memory) Has(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[name]
	return ok, nil
}

// Delete removes the named store.
func (m *Memory) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
	return true, nil
}

// Names lists stores in creation order.
func (m *Memory) Names(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

type memoryHandle struct {
	m    *Memory
	name string
}

func (h *memoryHandle) Name() string { return h.name }

func (h *memoryHandle) Match(_ context.Context, key string) (*Entry, bool, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	s, ok := h.m.stores[h.name]
	if !ok {
		return nil, false, nil
	}
	elem, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	return copyEntry(elem.Value.(*Entry)), true, nil
}

func (h *memoryHandle) Put(_ context.Context, entry *Entry) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	s, ok := h.m.stores[h.name]
	if !ok {
		s = &memoryStore{
			items:     make(map[string]*list.Element),
			insertion: list.New(),
		}
		h.m.stores[h.name] = s
		h.m.names = append(h.m.names, h.name)
	}

	if elem, ok := s.items[entry.Key]; ok {
		s.insertion.Remove(elem)
	}
	h.m.seq++
	stored := copyEntry(entry)
	stored.Seq = h.m.seq
	entry.Seq = stored.Seq
	s.items[entry.Key] = s.insertion.PushBack(stored)
	return nil
}

func (h *memoryHandle) Delete(_ context.Context, key string) (bool, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	s, ok := h.m.stores[h.name]
	if !ok {
		return false, nil
	}
	elem, ok := s.items[key]
	if !ok {
		return false, nil
	}
	s.insertion.Remove(elem)
	delete(s.items, key)
	return true, nil
}

func (h *memoryHandle) Keys(_ context.Context) ([]string, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	s, ok := h.m.stores[h.name]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, s.insertion.Len())
	for elem := s.insertion.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*Entry).Key)
	}
	return keys, nil
}

func (h *memoryHandle) Len(_ context.Context) (int, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	s, ok := h.m.stores[h.name]
	if !ok {
		return 0, nil
	}
	return s.insertion.Len(), nil
}

func copyEntry(e *Entry) *Entry {
	c := *e
	c.Header = e.Header.Clone()
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}
