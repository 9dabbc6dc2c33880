package cache

import (
	"container/list"
	"sync"
	"time"
)

// IdentityCache memoizes verified token -> user id lookups for the auth
// middleware. It is size- and time-bounded: entries expire on read and the
// least recently used entry is evicted when the cache is full. Constructed
// and owned by the auth service, never a package-level singleton.
type IdentityCache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	entries    map[string]*list.Element
	order      *list.List

	now func() time.Time
}

type identityEntry struct {
	token     string
	userID    uint
	username  string
	expiresAt time.Time
}

func NewIdentityCache(maxEntries int, ttl time.Duration) *IdentityCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &IdentityCache{
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

func (c *IdentityCache) Get(token string) (userID uint, username string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, found := c.entries[token]
	if !found {
		return 0, "", false
	}
	entry := elem.Value.(*identityEntry)
	if c.now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, token)
		return 0, "", false
	}
	c.order.MoveToFront(elem)
	return entry.userID, entry.username, true
}

func (c *IdentityCache) Set(token string, userID uint, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.entries[token]; found {
		entry := elem.Value.(*identityEntry)
		entry.userID = userID
		entry.username = username
		entry.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.maxEntries {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*identityEntry).token)
		}
	}

	c.entries[token] = c.order.PushFront(&identityEntry{
		token:     token,
		userID:    userID,
		username:  username,
		expiresAt: c.now().Add(c.ttl),
	})
}

func (c *IdentityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
