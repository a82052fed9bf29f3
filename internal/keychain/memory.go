package keychain

import (
	"context"
	"sync"
)

// Memory is an in-process Keychain backed by a guarded map. It is used in
// tests and for ephemeral nodes that do not need keys to survive a restart.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory keychain.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) WipeAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		// zero the backing bytes before dropping the reference
		v := m.data[k]
		for i := range v {
			v[i] = 0
		}
	}
	m.data = make(map[string][]byte)
	return nil
}

var _ Keychain = (*Memory)(nil)
