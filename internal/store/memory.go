package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. All operations run under one mutex, which
// gives the same per-operation atomicity the Redis backend provides. TTLs
// are enforced lazily on read.
type Memory struct {
	mu     sync.Mutex
	lists  map[string][][]byte
	values map[string]memValue
	now    func() time.Time
}

type memValue struct {
	data     []byte
	deadline time.Time // zero means no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		lists:  make(map[string][][]byte),
		values: make(map[string]memValue),
		now:    time.Now,
	}
}

// SetClock overrides the store's time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Push(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushLocked(key, value)
	return nil
}

func (m *Memory) PushCapped(ctx context.Context, key string, value []byte, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushLocked(key, value)
	m.trimLocked(key, 0, max-1)
	return nil
}

func (m *Memory) pushLocked(key string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.lists[key] = append([][]byte{cp}, m.lists[key]...)
}

func (m *Memory) Trim(ctx context.Context, key string, start, stop int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimLocked(key, start, stop)
	return nil
}

func (m *Memory) trimLocked(key string, start, stop int) {
	list, ok := m.lists[key]
	if !ok {
		return
	}
	if stop < 0 || stop >= len(list) {
		stop = len(list) - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		delete(m.lists, key)
		return
	}
	m.lists[key] = list[start : stop+1]
}

func (m *Memory) Range(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if len(list) == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= len(list) {
		stop = len(list) - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, cp)
	}
	return out, nil
}

func (m *Memory) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	var deadline time.Time
	if ttl > 0 {
		deadline = m.now().Add(ttl)
	}
	m.values[key] = memValue{data: cp, deadline: deadline}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.getLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v.data))
	copy(cp, v.data)
	return cp, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.getLocked(key)
	return ok, nil
}

func (m *Memory) getLocked(key string) (memValue, bool) {
	v, ok := m.values[key]
	if !ok {
		return memValue{}, false
	}
	if !v.deadline.IsZero() && !m.now().Before(v.deadline) {
		delete(m.values, key)
		return memValue{}, false
	}
	return v, true
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.lists, key)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
