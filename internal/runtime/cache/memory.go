package cache

import (
	"container/list"
	"context"
	"sort"
	"sync"
)

type memoryBucket struct {
	entries map[string]*list.Element
	order   *list.List
}

type memoryItem struct {
	key   string
	entry Entry
}

type memoryCache struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
}

// NewMemory returns an in-process backend. Buckets are created lazily on first write.
func NewMemory() Backend {
	return &memoryCache{buckets: make(map[string]*memoryBucket)}
}

func (c *memoryCache) Lookup(_ context.Context, bucket, key string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.buckets[bucket]
	if !ok {
		return Entry{}, false, nil
	}
	elem, ok := b.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(elem.Value.(*memoryItem).entry), true, nil
}

func (c *memoryCache) Store(_ context.Context, bucket, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[bucket]
	if !ok {
		b = &memoryBucket{entries: make(map[string]*list.Element), order: list.New()}
		c.buckets[bucket] = b
	}
	if elem, ok := b.entries[key]; ok {
		b.order.Remove(elem)
	}
	b.entries[key] = b.order.PushBack(&memoryItem{key: key, entry: cloneEntry(entry)})
	return nil
}

func (c *memoryCache) Trim(_ context.Context, bucket string, max int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[bucket]
	if !ok || max < 0 {
		return 0, nil
	}
	removed := 0
	for b.order.Len() > max {
		oldest := b.order.Front()
		b.order.Remove(oldest)
		delete(b.entries, oldest.Value.(*memoryItem).key)
		removed++
	}
	return removed, nil
}

func (c *memoryCache) DeleteBucket(_ context.Context, bucket string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buckets, bucket)
	return nil
}

func (c *memoryCache) Buckets(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.buckets))
	for name := range c.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *memoryCache) Size(_ context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, b := range c.buckets {
		for elem := b.order.Front(); elem != nil; elem = elem.Next() {
			total += int64(len(elem.Value.(*memoryItem).entry.Response.Body))
		}
	}
	return total, nil
}

func (c *memoryCache) Close(_ context.Context) error {
	return nil
}
