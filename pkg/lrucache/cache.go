// Package lrucache provides a generic cache with a choice of eviction
// policies: LRU, LFU, SLRU, and TinyLFU. The cache is safe for concurrent
// access.
package lrucache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/lockboxhq/envelope/pkg/log"
)

// Interface is a generic cache.
type Interface[K comparable, V any] interface {
	Get(key K) (V, bool)
	GetOrPanic(key K) V
	Set(key K, value V)
	Delete(key K) bool
	Len() int
	Capacity() int
	Close() error
}

// Policy names one of the supported eviction policies.
type Policy string

const (
	// LRU evicts the least recently used item.
	LRU Policy = "lru"
	// LFU evicts the least frequently used item.
	LFU Policy = "lfu"
	// SLRU is a segmented LRU with protected and probationary regions.
	SLRU Policy = "slru"
	// TinyLFU augments an LRU admission window with a frequency sketch.
	TinyLFU Policy = "tinylfu"
	// DefaultPolicy is used when a builder's policy is never set.
	DefaultPolicy = LRU
)

// String returns the string representation of p.
func (p Policy) String() string {
	return string(p)
}

// EvictFunc is called with the key and value of an item evicted from the
// cache.
type EvictFunc[K comparable, V any] func(key K, value V)

// NopEvict is a no-op EvictFunc.
func NopEvict[K comparable, V any](K, V) {}

type event int

const (
	evictItem event = iota
	closeCache
)

type cacheItem[K comparable, V any] struct {
	key   K
	value V

	parent *list.Element

	expiration time.Time
}

type cacheEvent[K comparable, V any] struct {
	event event
	item  *cacheItem[K, V]
}

// policy is the interface every eviction policy implementation satisfies.
type policy[K comparable, V any] interface {
	init(int)
	capacity() int
	close()
	admit(item *cacheItem[K, V])
	access(item *cacheItem[K, V])
	victim() *cacheItem[K, V]
	remove(item *cacheItem[K, V])
}

// Clock reports the current time. Tests may substitute a fake.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (c *realClock) Now() time.Time { return time.Now() }

type builder[K comparable, V any] struct {
	capacity  int
	policy    policy[K, V]
	evictFunc EvictFunc[K, V]
	clock     Clock
	expiry    time.Duration
	isSync    bool
}

// New returns a cache builder with the given capacity. Use the builder's
// methods to pick an eviction policy and other options, then call Build.
func New[K comparable, V any](capacity int) *builder[K, V] {
	return &builder[K, V]{
		capacity:  capacity,
		policy:    new(lru[K, V]),
		evictFunc: NopEvict[K, V],
		clock:     new(realClock),
	}
}

// WithEvictFunc sets the callback invoked when an item is evicted.
func (b *builder[K, V]) WithEvictFunc(fn EvictFunc[K, V]) *builder[K, V] {
	b.evictFunc = fn

	return b
}

// WithPolicy selects the eviction policy. The default is LRU.
func (b *builder[K, V]) WithPolicy(p Policy) *builder[K, V] {
	switch p {
	case LRU:
		b.policy = new(lru[K, V])
	case LFU:
		b.policy = new(lfu[K, V])
	case SLRU:
		b.policy = new(slru[K, V])
	case TinyLFU:
		b.policy = new(tinyLFU[K, V])
	default:
		panic(fmt.Sprintf("lrucache: unsupported policy %q", p.String()))
	}

	return b
}

// LRU selects the LRU eviction policy.
func (b *builder[K, V]) LRU() *builder[K, V] { return b.WithPolicy(LRU) }

// LFU selects the LFU eviction policy.
func (b *builder[K, V]) LFU() *builder[K, V] { return b.WithPolicy(LFU) }

// SLRU selects the SLRU eviction policy.
func (b *builder[K, V]) SLRU() *builder[K, V] { return b.WithPolicy(SLRU) }

// TinyLFU selects the TinyLFU eviction policy.
func (b *builder[K, V]) TinyLFU() *builder[K, V] { return b.WithPolicy(TinyLFU) }

// WithClock substitutes the clock used for expiry checks.
func (b *builder[K, V]) WithClock(clock Clock) *builder[K, V] {
	b.clock = clock

	return b
}

// WithExpiry sets a per-item time-to-live. Zero (the default) disables
// expiry.
func (b *builder[K, V]) WithExpiry(expiry time.Duration) *builder[K, V] {
	b.expiry = expiry

	return b
}

// Synchronous runs the eviction callback inline, before Set returns, instead
// of on a background goroutine.
func (b *builder[K, V]) Synchronous() *builder[K, V] {
	b.isSync = true

	return b
}

// Build constructs the cache.
func (b *builder[K, V]) Build() Interface[K, V] {
	c := &cache[K, V]{
		byKey: make(map[K]*cacheItem[K, V]),

		policy:          b.policy,
		clock:           b.clock,
		expiry:          b.expiry,
		onEvictCallback: b.evictFunc,
		isSync:          b.isSync,
	}

	c.policy.init(b.capacity)

	c.startup()

	return c
}

type cache[K comparable, V any] struct {
	byKey  map[K]*cacheItem[K, V]
	size   int
	events chan cacheEvent[K, V]
	policy policy[K, V]

	mux sync.RWMutex

	closing bool
	closeWG sync.WaitGroup

	onEvictCallback EvictFunc[K, V]

	clock Clock

	expiry time.Duration

	isSync bool
}

func (c *cache[K, V]) processEvents() {
	defer c.closeWG.Done()

	for ev := range c.events {
		switch ev.event {
		case evictItem:
			log.Debugf("%s executing evict callback for item: %v", c, ev.item.key)
			c.onEvictCallback(ev.item.key, ev.item.value)
		case closeCache:
			log.Debugf("%s closed, exiting event loop", c)

			return
		}
	}
}

// Close removes every item and marks the cache unusable.
func (c *cache[K, V]) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return nil
	}

	c.closing = true

	for c.size > 0 {
		c.evict()
	}

	c.shutdown()

	c.byKey = nil

	c.policy.close()

	return nil
}

func (c *cache[K, V]) startup() {
	if c.isSync {
		return
	}

	c.events = make(chan cacheEvent[K, V])

	c.closeWG.Add(1)

	go c.processEvents()
}

func (c *cache[K, V]) shutdown() {
	if c.isSync {
		return
	}

	c.events <- cacheEvent[K, V]{event: closeCache}

	c.closeWG.Wait()

	close(c.events)

	c.events = nil
}

// Len returns the number of items currently in the cache.
func (c *cache[K, V]) Len() int {
	c.mux.RLock()
	defer c.mux.RUnlock()

	return c.size
}

// Capacity returns the cache's maximum size.
func (c *cache[K, V]) Capacity() int {
	c.mux.RLock()
	defer c.mux.RUnlock()

	return c.policy.capacity()
}

// Set stores value under key, evicting an item first if the cache is full.
func (c *cache[K, V]) Set(key K, value V) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return
	}

	if item, ok := c.byKey[key]; ok {
		item.value = value

		if c.expiry > 0 {
			item.expiration = c.clock.Now().Add(c.expiry)
		}

		c.policy.access(item)

		return
	}

	if c.size == c.policy.capacity() {
		c.evict()
	}

	item := &cacheItem[K, V]{
		key:   key,
		value: value,
	}

	if c.expiry > 0 {
		item.expiration = c.clock.Now().Add(c.expiry)
	}

	c.byKey[key] = item

	c.size++

	c.policy.admit(item)
}

// Get returns the value stored under key, if present and unexpired.
func (c *cache[K, V]) Get(key K) (V, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return c.zeroValue(), false
	}

	item, ok := c.byKey[key]
	if !ok {
		return c.zeroValue(), false
	}

	if c.expiry > 0 && item.expiration.Before(c.clock.Now()) {
		c.evictItem(item)
		return c.zeroValue(), false
	}

	c.policy.access(item)

	return item.value, true
}

// GetOrPanic returns the value stored under key, panicking if absent.
func (c *cache[K, V]) GetOrPanic(key K) V {
	if item, ok := c.Get(key); ok {
		return item
	}

	panic(fmt.Sprintf("lrucache: key does not exist: %v", key))
}

// Delete removes key from the cache, reporting whether it was present.
func (c *cache[K, V]) Delete(key K) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return false
	}

	item, ok := c.byKey[key]
	if !ok {
		return false
	}

	delete(c.byKey, key)

	c.size--

	c.policy.remove(item)

	return true
}

func (c *cache[K, V]) zeroValue() V {
	var v V
	return v
}

func (c *cache[K, V]) evict() {
	item := c.policy.victim()
	c.evictItem(item)
}

func (c *cache[K, V]) evictItem(item *cacheItem[K, V]) {
	delete(c.byKey, item.key)

	c.size--

	c.policy.remove(item)

	if c.isSync {
		log.Debugf("%s executing evict callback for item (synchronous): %v", c, item.key)

		c.onEvictCallback(item.key, item.value)

		return
	}

	log.Debugf("%s sending evict event for item: %v", c, item.key)
	c.events <- cacheEvent[K, V]{event: evictItem, item: item}
}

func (c *cache[K, V]) String() string {
	return fmt.Sprintf("lrucache[%T, %T](%p)", *new(K), *new(V), c)
}
