//nolint:forcetypeassert // parent is always the list element pushed by this policy
package lrucache

import "container/list"

type frequencyParent[K comparable, V any] struct {
	entries   map[*cacheItem[K, V]]*list.Element
	frequency int
	byAccess  *list.List
}

// lfu implements the O(1) LFU eviction scheme described in
// https://arxiv.org/pdf/2110.11602.pdf. Every operation is O(1).
type lfu[K comparable, V any] struct {
	cap         int
	frequencies *list.List
}

func (c *lfu[K, V]) init(capacity int) {
	c.cap = capacity
	c.frequencies = list.New()
}

func (c *lfu[K, V]) capacity() int {
	return c.cap
}

func (c *lfu[K, V]) access(item *cacheItem[K, V]) {
	c.increment(item)
}

func (c *lfu[K, V]) admit(item *cacheItem[K, V]) {
	c.increment(item)
}

func (c *lfu[K, V]) remove(item *cacheItem[K, V]) {
	c.delete(item.parent, item)
}

func (c *lfu[K, V]) victim() *cacheItem[K, V] {
	if frequency := c.frequencies.Front(); frequency != nil {
		elem := frequency.Value.(*frequencyParent[K, V]).byAccess.Front()
		if elem != nil {
			return elem.Value.(*cacheItem[K, V])
		}
	}

	return nil
}

func (c *lfu[K, V]) increment(item *cacheItem[K, V]) {
	current := item.parent

	var next *list.Element

	var nextAmount int

	if current == nil {
		nextAmount = 1
		next = c.frequencies.Front()
	} else {
		nextAmount = current.Value.(*frequencyParent[K, V]).frequency + 1
		next = current.Next()
	}

	if next == nil || next.Value.(*frequencyParent[K, V]).frequency != nextAmount {
		newFrequencyParent := &frequencyParent[K, V]{
			entries:   make(map[*cacheItem[K, V]]*list.Element),
			frequency: nextAmount,
			byAccess:  list.New(),
		}

		if current == nil {
			next = c.frequencies.PushFront(newFrequencyParent)
		} else {
			next = c.frequencies.InsertAfter(newFrequencyParent, current)
		}
	}

	item.parent = next

	nextAccess := next.Value.(*frequencyParent[K, V]).byAccess.PushBack(item)

	next.Value.(*frequencyParent[K, V]).entries[item] = nextAccess

	if current != nil {
		c.delete(current, item)
	}
}

func (c *lfu[K, V]) delete(frequency *list.Element, item *cacheItem[K, V]) {
	fp := frequency.Value.(*frequencyParent[K, V])

	fp.byAccess.Remove(fp.entries[item])

	delete(fp.entries, item)

	if len(fp.entries) == 0 {
		fp.entries = nil
		fp.byAccess = nil

		c.frequencies.Remove(frequency)
	}
}

func (c *lfu[K, V]) close() {
	c.frequencies = nil
	c.cap = 0
}
