//nolint:forcetypeassert // parent is always the list element pushed by this policy
package lrucache

import "container/list"

// lru is a least-recently-used eviction policy.
type lru[K comparable, V any] struct {
	cap       int
	evictList *list.List
}

func (c *lru[K, V]) init(capacity int) {
	c.cap = capacity
	c.evictList = list.New()
}

func (c *lru[K, V]) capacity() int {
	return c.cap
}

func (c *lru[K, V]) len() int {
	return c.evictList.Len()
}

func (c *lru[K, V]) access(item *cacheItem[K, V]) {
	c.evictList.MoveToFront(item.parent)
}

func (c *lru[K, V]) admit(item *cacheItem[K, V]) {
	item.parent = c.evictList.PushFront(item)
}

func (c *lru[K, V]) remove(item *cacheItem[K, V]) {
	c.evictList.Remove(item.parent)
}

func (c *lru[K, V]) victim() *cacheItem[K, V] {
	oldest := c.evictList.Back()
	if oldest == nil {
		return nil
	}

	return oldest.Value.(*cacheItem[K, V])
}

func (c *lru[K, V]) close() {
	c.evictList = nil
	c.cap = 0
}

const protectedRatio = 0.8

type slruItem[K comparable, V any] struct {
	*cacheItem[K, V]
	protected bool
}

// slru is a segmented LRU: a protected region for items accessed more than
// once, and a probationary region for everything else. 80% of capacity is
// reserved for the protected region.
type slru[K comparable, V any] struct {
	cap int

	protectedCapacity int
	protectedList     *list.List

	probationCapacity int
	probationList     *list.List
}

func (c *slru[K, V]) init(capacity int) {
	c.cap = capacity

	c.protectedList = list.New()
	c.probationList = list.New()

	c.protectedCapacity = int(float64(capacity) * protectedRatio)
	c.probationCapacity = capacity - c.protectedCapacity
}

func (c *slru[K, V]) capacity() int {
	return c.cap
}

func (c *slru[K, V]) access(item *cacheItem[K, V]) {
	sitem := item.parent.Value.(*slruItem[K, V])
	if sitem.protected {
		c.protectedList.MoveToFront(item.parent)
		return
	}

	// in probation, promote to protected
	sitem.protected = true

	c.probationList.Remove(item.parent)

	item.parent = c.protectedList.PushFront(sitem)

	if c.protectedList.Len() > c.protectedCapacity {
		b := c.protectedList.Back()
		c.protectedList.Remove(b)

		bitem := b.Value.(*slruItem[K, V])
		bitem.protected = false

		bitem.parent = c.probationList.PushFront(bitem)
	}
}

func (c *slru[K, V]) admit(item *cacheItem[K, V]) {
	newItem := &slruItem[K, V]{
		cacheItem: item,
		protected: false,
	}

	item.parent = c.probationList.PushFront(newItem)
}

func (c *slru[K, V]) victim() *cacheItem[K, V] {
	if c.probationList.Len() > 0 {
		return c.probationList.Back().Value.(*slruItem[K, V]).cacheItem
	}

	if c.protectedList.Len() > 0 {
		return c.protectedList.Back().Value.(*slruItem[K, V]).cacheItem
	}

	return nil
}

func (c *slru[K, V]) remove(item *cacheItem[K, V]) {
	sitem := item.parent.Value.(*slruItem[K, V])
	if sitem.protected {
		c.protectedList.Remove(item.parent)
		return
	}

	c.probationList.Remove(item.parent)
}

func (c *slru[K, V]) close() {
	c.protectedList = nil
	c.probationList = nil
	c.cap = 0
}
