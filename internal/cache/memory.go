package cache

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Memory is the in-process Cache backend. It is linearizable trivially
// (single node) so both ack levels behave the same. A janitor goroutine
// evicts expired entries; Get also checks expiry so eviction lag is never
// observable.
type Memory struct {
	mu   sync.RWMutex
	ttls map[string]time.Duration
	data map[string]memoryEntry

	stop chan struct{}
	once sync.Once
}

type memoryEntry struct {
	raw []byte
	exp time.Time // zero means no expiry
}

// NewMemory creates a Memory cache. ttls maps cache names to their entry
// lifetime; names without an entry never expire.
func NewMemory(ttls map[string]time.Duration) *Memory {
	m := &Memory{
		ttls: ttls,
		data: make(map[string]memoryEntry),
		stop: make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Close stops the janitor goroutine.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
}

// Put implements Cache. The ack level is irrelevant on a single node.
func (m *Memory) Put(_ context.Context, name, key string, value any, _ AckLevel) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	var exp time.Time
	if ttl, ok := m.ttls[name]; ok && ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.data[name+"/"+key] = memoryEntry{raw: raw, exp: exp}
	m.mu.Unlock()
	return nil
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, name, key string, dest any) error {
	m.mu.RLock()
	entry, ok := m.data[name+"/"+key]
	m.mu.RUnlock()

	if !ok || (!entry.exp.IsZero() && time.Now().After(entry.exp)) {
		return ErrNotFound
	}
	return json.Unmarshal(entry.raw, dest)
}

// Del implements Cache.
func (m *Memory) Del(_ context.Context, name, key string) error {
	m.mu.Lock()
	delete(m.data, name+"/"+key)
	m.mu.Unlock()
	return nil
}

// Health implements Cache. A single node is always its own healthy leader.
func (m *Memory) Health() Health {
	return Health{Good: true, State: StateLeader, ConnectedHosts: 1}
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, entry := range m.data {
				if !entry.exp.IsZero() && now.After(entry.exp) {
					delete(m.data, k)
				}
			}
			m.mu.Unlock()
		}
	}
}
