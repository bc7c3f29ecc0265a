package store

import (
	"context"
	"sort"
	"sync"

	"quiche/internal/domain"
)

// Memory holds entries for the process lifetime.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]domain.Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]domain.Entry)}
}

func (m *Memory) Get(_ context.Context, name string) (domain.Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return e, ok, nil
}

func (m *Memory) Put(_ context.Context, name string, e domain.Entry) error {
	m.mu.Lock()
	m.entries[name] = e
	m.mu.Unlock()
	return nil
}

// putIfNewer stores e unless a higher version is already held. It returns the
// entry that ends up stored.
func (m *Memory) putIfNewer(name string, e domain.Entry) domain.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[name]; ok && cur.Version >= e.Version {
		return cur
	}
	m.entries[name] = e
	return e
}

func (m *Memory) Has(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[name]
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.entries, name)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context) ([]domain.EntryInfo, error) {
	m.mu.RLock()
	out := make([]domain.EntryInfo, 0, len(m.entries))
	for name, e := range m.entries {
		out = append(out, domain.EntryInfo{Name: name, Version: e.Version, ComputedAt: e.ComputedAt})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]domain.Entry)
	m.mu.Unlock()
	return nil
}
