package pricing

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
)

type cacheKey struct {
	tenant   string
	provider string
	flow     model.Flow
	product  string
	date     string
}

type cacheEntry struct {
	key     cacheKey
	terms   model.PriceTerms
	err     error
	expires time.Time
}

// CachedResolver wraps a Resolver with a bounded, time-windowed LRU.
// Successful lookups and not-found results are cached; any other error
// passes through uncached.
type CachedResolver struct {
	next Resolver
	ttl  time.Duration
	size int
	now  func() time.Time

	mu      sync.Mutex
	order   *list.List
	entries map[cacheKey]*list.Element
}

// NewCachedResolver decorates next. A ttl <= 0 keeps entries until evicted
// by size; size <= 0 defaults to 1024 entries.
func NewCachedResolver(next Resolver, ttl time.Duration, size int) *CachedResolver {
	if size <= 0 {
		size = 1024
	}
	return &CachedResolver{
		next:    next,
		ttl:     ttl,
		size:    size,
		now:     time.Now,
		order:   list.New(),
		entries: make(map[cacheKey]*list.Element),
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, q Query) (model.PriceTerms, error) {
	key := cacheKey{
		tenant:   q.TenantID,
		provider: q.Provider,
		flow:     q.Flow,
		product:  q.ProductKey,
		date:     model.FormatDate(q.AsOf),
	}

	if entry, ok := c.get(key); ok {
		return entry.terms, entry.err
	}

	terms, err := c.next.Resolve(ctx, q)
	if err == nil || errors.Is(err, ErrNotFound) {
		c.put(key, terms, err)
	}
	return terms, err
}

func (c *CachedResolver) get(key cacheKey) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.ttl > 0 && !c.now().Before(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry, true
}

func (c *CachedResolver) put(key cacheKey, terms model.PriceTerms, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{key: key, terms: terms, err: err, expires: c.now().Add(c.ttl)}
	if el, ok := c.entries[key]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(entry)

	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Purge drops every cached entry.
func (c *CachedResolver) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[cacheKey]*list.Element)
}

// Len returns the number of cached entries.
func (c *CachedResolver) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
