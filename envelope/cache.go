package envelope

import (
	"fmt"
	"sync"
	"time"

	"github.com/lockboxhq/envelope/envelope/internal"
	"github.com/lockboxhq/envelope/pkg/log"
	"github.com/lockboxhq/envelope/pkg/lrucache"
)

// cacheEntry pairs a loaded key with the time it was loaded.
type cacheEntry struct {
	loadedAt time.Time
	key      *internal.CryptoKey
}

func newCacheEntry(k *internal.CryptoKey) cacheEntry {
	return cacheEntry{
		loadedAt: time.Now(),
		key:      k,
	}
}

func cacheKey(id string, created int64) string {
	return fmt.Sprintf("%s-%d", id, created)
}

// keyLoaderFunc adapts an ordinary function to keyLoader.
type keyLoaderFunc func() (*internal.CryptoKey, error)

func (f keyLoaderFunc) Load() (*internal.CryptoKey, error) {
	return f()
}

// keyLoader retrieves a key on demand.
type keyLoader interface {
	Load() (*internal.CryptoKey, error)
}

// keyReloader extends keyLoader with the ability to judge a cached key stale
// and reload it.
type keyReloader interface {
	keyLoader

	IsInvalid(*internal.CryptoKey) bool
}

// cache holds keys for reuse across a session or factory's lifetime.
type cache interface {
	GetOrLoad(id KeyMeta, loader keyLoader) (*internal.CryptoKey, error)
	GetOrLoadLatest(id string, loader keyLoader) (*internal.CryptoKey, error)
	Close() error
}

var _ cache = (*keyCache)(nil)

// cacheKeyType identifies which of the two tiers a keyCache backs, purely
// for diagnostics.
type cacheKeyType int

const (
	cacheTypeSystemKeys cacheKeyType = iota
	cacheTypeIntermediateKeys
)

func (t cacheKeyType) String() string {
	switch t {
	case cacheTypeSystemKeys:
		return "system"
	case cacheTypeIntermediateKeys:
		return "intermediate"
	default:
		return "unknown"
	}
}

// keyCache is a bounded, policy-evicting cache of CryptoKeys, keyed by
// "id-created". A lightweight side map tracks the most recently written
// KeyMeta for each id, so GetOrLoadLatest never has to store a second copy
// of the entry itself (and so bounded eviction can never strand a key that
// is still reachable only through its "latest" alias).
type keyCache struct {
	once sync.Once

	policy *CryptoPolicy
	kind   cacheKeyType

	rw      sync.RWMutex
	entries lrucache.Interface[string, cacheEntry]
	latest  map[string]KeyMeta
}

// newKeyCache constructs a keyCache for kind, sized and policed according
// to policy.
func newKeyCache(kind cacheKeyType, policy *CryptoPolicy) *keyCache {
	maxSize := DefaultKeyCacheMaxSize
	evictionPolicy := ""

	switch kind {
	case cacheTypeSystemKeys:
		maxSize = policy.SystemKeyCacheMaxSize
		evictionPolicy = policy.SystemKeyCacheEvictionPolicy
	case cacheTypeIntermediateKeys:
		maxSize = policy.IntermediateKeyCacheMaxSize
		evictionPolicy = policy.IntermediateKeyCacheEvictionPolicy
	}

	c := &keyCache{
		policy: policy,
		kind:   kind,
		latest: make(map[string]KeyMeta),
	}

	onEvict := func(id string, entry cacheEntry) {
		log.Debugf("%s evicting -- id: %s", c, id)
		entry.key.Close()
	}

	b := lrucache.New[string, cacheEntry](maxSize).WithEvictFunc(onEvict)

	if evictionPolicy != "" {
		b = b.WithPolicy(lrucache.Policy(evictionPolicy))
	}

	if maxSize < 100 {
		// A tiny cache evicts constantly; run the callback inline rather
		// than handing each eviction to the cache's background goroutine.
		b = b.Synchronous()
	}

	c.entries = b.Build()

	return c
}

// isReloadRequired reports whether checkInterval has elapsed since entry
// was loaded. A revoked key is never reloaded again; its status can only
// become more, never less, restrictive.
func isReloadRequired(entry cacheEntry, checkInterval time.Duration) bool {
	if entry.key.Revoked() {
		return false
	}

	return entry.loadedAt.Add(checkInterval).Before(time.Now())
}

// GetOrLoad returns the key for id, loading and caching it via loader if
// necessary.
func (c *keyCache) GetOrLoad(id KeyMeta, loader keyLoader) (*internal.CryptoKey, error) {
	c.rw.RLock()
	k, ok := c.get(id)
	c.rw.RUnlock()

	if ok {
		return k, nil
	}

	c.rw.Lock()
	defer c.rw.Unlock()

	if k, ok := c.get(id); ok {
		return k, nil
	}

	return c.load(id, loader)
}

// get returns the key for id from the cache if present and not due for a
// revocation recheck.
func (c *keyCache) get(id KeyMeta) (*internal.CryptoKey, bool) {
	key := c.resolveKey(id)

	if e, ok := c.entries.Get(key); ok && !isReloadRequired(e, c.policy.RevokeCheckInterval) {
		return e.key, true
	}

	return nil, false
}

// resolveKey maps id to the cache key actually used for storage, following
// the latest-alias indirection when id is ID-only (Created == 0).
func (c *keyCache) resolveKey(id KeyMeta) string {
	if id.Created == 0 {
		if latest, ok := c.latest[id.ID]; ok {
			return cacheKey(latest.ID, latest.Created)
		}
	}

	return cacheKey(id.ID, id.Created)
}

// load retrieves a key via loader, caches it, and keeps the latest-alias map
// current.
func (c *keyCache) load(id KeyMeta, loader keyLoader) (*internal.CryptoKey, error) {
	k, err := loader.Load()
	if err != nil {
		return nil, err
	}

	meta := KeyMeta{ID: id.ID, Created: k.Created()}
	key := cacheKey(meta.ID, meta.Created)

	e, ok := c.entries.Get(key)
	if ok {
		// Existing entry for this exact (id, created) pair: fold in the
		// freshly observed revoked status and discard the duplicate we
		// just loaded.
		e.key.SetRevoked(k.Revoked())
		e.loadedAt = time.Now()

		c.entries.Set(key, e)

		k.Close()
	} else {
		e = newCacheEntry(k)
		c.entries.Set(key, e)
	}

	if latest, ok := c.latest[id.ID]; !ok || latest.Created < meta.Created {
		c.latest[id.ID] = meta
	}

	return e.key, nil
}

// GetOrLoadLatest returns the most recently cached key for id, reloading via
// loader on a cache miss or, if loader also implements keyReloader, when the
// cached key is no longer valid.
func (c *keyCache) GetOrLoadLatest(id string, loader keyLoader) (*internal.CryptoKey, error) {
	c.rw.Lock()
	defer c.rw.Unlock()

	meta := KeyMeta{ID: id}

	key, ok := c.get(meta)
	if !ok {
		log.Debugf("%s.GetOrLoadLatest miss -- id: %s", c, id)

		var err error

		key, err = c.load(meta, loader)
		if err != nil {
			return nil, err
		}
	}

	reloader, ok := loader.(keyReloader)
	if !ok || !reloader.IsInvalid(key) {
		return key, nil
	}

	reloaded, err := loader.Load()
	if err != nil {
		return nil, err
	}

	log.Debugf("%s.GetOrLoadLatest reload -- invalid: %s, new: %s, id: %s", c, key, reloaded, id)

	reloadedMeta := KeyMeta{ID: id, Created: reloaded.Created()}
	c.entries.Set(cacheKey(reloadedMeta.ID, reloadedMeta.Created), newCacheEntry(reloaded))
	c.latest[id] = reloadedMeta

	return reloaded, nil
}

// Close frees every key held by this cache. Safe to call more than once.
func (c *keyCache) Close() error {
	c.once.Do(c.close)

	return nil
}

func (c *keyCache) close() {
	c.rw.Lock()
	defer c.rw.Unlock()

	_ = c.entries.Close()
}

func (c *keyCache) String() string {
	return fmt.Sprintf("keyCache(%p){type=%s,size=%d,cap=%d}", c, c.kind, c.entries.Len(), c.entries.Capacity())
}

// neverCache implements cache without retaining anything; every call loads
// directly. Used when a policy disables caching for a key tier.
type neverCache struct{}

var _ cache = neverCache{}

func (neverCache) GetOrLoad(_ KeyMeta, loader keyLoader) (*internal.CryptoKey, error) {
	return loader.Load()
}

func (neverCache) GetOrLoadLatest(_ string, loader keyLoader) (*internal.CryptoKey, error) {
	return loader.Load()
}

func (neverCache) Close() error {
	return nil
}
