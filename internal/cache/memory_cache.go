package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"orgchat/internal/domain"
)

type memoryEntry struct {
	messages []domain.Message
	expires  time.Time
}

// MemoryMessageCache replica la semantica de RedisMessageCache en proceso.
type MemoryMessageCache struct {
	mu       sync.Mutex
	clock    clock.Clock
	ttl      time.Duration
	entries  map[string]memoryEntry
	versions map[string]int64
}

func NewMemoryMessageCache(clk clock.Clock, ttl time.Duration) *MemoryMessageCache {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryMessageCache{
		clock:    clk,
		ttl:      ttl,
		entries:  make(map[string]memoryEntry),
		versions: make(map[string]int64),
	}
}

func (c *MemoryMessageCache) Get(_ context.Context, roomID string) (Lookup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lookup := Lookup{Version: strconv.FormatInt(c.versions[roomID], 10)}
	entry, ok := c.entries[roomID]
	if !ok {
		return lookup, nil
	}
	if !c.clock.Now().Before(entry.expires) {
		delete(c.entries, roomID)
		return lookup, nil
	}
	lookup.Messages = append([]domain.Message(nil), entry.messages...)
	lookup.Hit = true
	return lookup, nil
}

func (c *MemoryMessageCache) Put(_ context.Context, roomID, version string, messages []domain.Message) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strconv.FormatInt(c.versions[roomID], 10) != version {
		return false, nil
	}
	c.entries[roomID] = memoryEntry{
		messages: append([]domain.Message{}, messages...),
		expires:  c.clock.Now().Add(c.ttl),
	}
	return true, nil
}

func (c *MemoryMessageCache) Invalidate(_ context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, roomID)
	c.versions[roomID]++
	return nil
}
