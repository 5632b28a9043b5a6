package vote

import (
	"container/list"
	"sync"

	"github.com/teamrelay/teamrelay/internal/transport"
)

// DefaultCacheSize bounds the poll cache at roughly one day of approvals.
const DefaultCacheSize = 100

// PollCache keeps recently sent poll-creation payloads keyed by message id so
// later ballots can be mapped back to option labels. It is a decoding aid,
// never authoritative: a miss degrades vote resolution, nothing else.
// Writers evict the oldest entry once the bound is exceeded.
type PollCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheEntry struct {
	id      string
	payload *transport.PollPayload
}

func NewPollCache(max int) *PollCache {
	if max <= 0 {
		max = DefaultCacheSize
	}
	return &PollCache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Put inserts or refreshes the payload for its message id.
func (c *PollCache) Put(p *transport.PollPayload) {
	if p == nil || p.MessageID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[p.MessageID]; ok {
		el.Value.(*cacheEntry).payload = p
		c.order.MoveToFront(el)
		return
	}
	c.entries[p.MessageID] = c.order.PushFront(&cacheEntry{id: p.MessageID, payload: p})
	if c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).id)
	}
}

// Get returns the cached payload for a poll message id.
func (c *PollCache) Get(pollMessageID string) (*transport.PollPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[pollMessageID]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).payload, true
}

// Len returns the number of cached payloads.
func (c *PollCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
