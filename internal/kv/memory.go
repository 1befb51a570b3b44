package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store implementation backed by mutex-guarded maps.
// Expiry is evaluated lazily on read: an expired key is treated as absent
// and removed on the next access.
type Memory struct {
	mu   sync.Mutex
	vals map[string]memoryValue
	sets map[string][]zmember
}

type memoryValue struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type zmember struct {
	member string
	score  float64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		vals: make(map[string]memoryValue),
		sets: make(map[string][]zmember),
	}
}

func (m *Memory) expired(v memoryValue) bool {
	return !v.expiresAt.IsZero() && time.Now().After(v.expiresAt)
}

// live returns the current value for key, dropping it if expired.
// Callers must hold m.mu.
func (m *Memory) live(key string) (memoryValue, bool) {
	v, ok := m.vals[key]
	if !ok {
		return memoryValue{}, false
	}
	if m.expired(v) {
		delete(m.vals, key)
		return memoryValue{}, false
	}
	return v, true
}

func (m *Memory) IncrAndGet(_ context.Context, key string) (int64, error) {
	return m.addInt(key, 1)
}

func (m *Memory) DecrAndGet(_ context.Context, key string) (int64, error) {
	return m.addInt(key, -1)
}

func (m *Memory) addInt(key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if v, ok := m.live(key); ok {
		n, err := strconv.ParseInt(v.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
	}

	current += delta
	m.vals[key] = memoryValue{value: strconv.FormatInt(current, 10)}
	return current, nil
}

func (m *Memory) SetInt(_ context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.vals[key] = memoryValue{value: strconv.FormatInt(value, 10)}
	return nil
}

func (m *Memory) GetInt(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.live(key)
	if !ok {
		return 0, false, nil
	}

	n, err := strconv.ParseInt(v.value, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.vals[key] = memoryValue{value: value, expiresAt: expiresAt}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return v.value, true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.vals, key)
	delete(m.sets, key)
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.live(key)
	if !ok || v.expiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(v.expiresAt), nil
}

func (m *Memory) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.sets[key]
	for i := range set {
		if set[i].member == member {
			set[i].score = score
			m.resort(key, set)
			return nil
		}
	}

	set = append(set, zmember{member: member, score: score})
	m.resort(key, set)
	return nil
}

// resort keeps the set ordered by score. Insertion order breaks ties, which
// matches the stable behavior the backlog relies on for same-millisecond
// pushes. Callers must hold m.mu.
func (m *Memory) resort(key string, set []zmember) {
	sort.SliceStable(set, func(i, j int) bool {
		return set[i].score < set[j].score
	})
	m.sets[key] = set
}

func (m *Memory) ZPopMin(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.sets[key]
	if len(set) == 0 {
		return "", false, nil
	}

	member := set[0].member
	m.sets[key] = set[1:]
	return member, true, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.sets[key])), nil
}

func (m *Memory) ZRem(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.sets[key]
	for i := range set {
		if set[i].member == member {
			m.sets[key] = append(set[:i], set[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ZMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.sets[key]
	members := make([]string, len(set))
	for i, zm := range set {
		members[i] = zm.member
	}
	return members, nil
}
