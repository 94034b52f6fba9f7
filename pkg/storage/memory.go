package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store used for tests and local development.
type Memory struct {
	notifier

	mu   sync.Mutex
	data map[string]json.RawMessage

	// SetCalls counts successful Set calls per key, for write-throttle tests.
	SetCalls map[string]int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string]json.RawMessage),
		SetCalls: make(map[string]int),
	}
}

// Get retrieves and decodes the value stored under key.
func (m *Memory) Get(_ context.Context, key string, out any) (bool, error) {
	m.mu.Lock()
	raw, ok := m.data[key]
	m.mu.Unlock()
	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key and notifies subscribers.
func (m *Memory) Set(_ context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	m.mu.Lock()
	m.data[key] = b
	m.SetCalls[key]++
	m.mu.Unlock()
	m.notify(key)
	return nil
}

// SetCallCount returns the number of successful Set calls for key.
func (m *Memory) SetCallCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SetCalls[key]
}

// Keys lists all stored settings keys.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
