package envelope

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ristrettoSessionCache is a sessionCache backed by dgraph-io/ristretto, an
// alternative to the default mango-backed engine.
type ristrettoSessionCache struct {
	inner   *ristretto.Cache
	loader  sessionLoaderFunc
	ttl     time.Duration
	maxSize int64
}

func newRistrettoSessionCache(loader sessionLoaderFunc, policy *CryptoPolicy) *ristrettoSessionCache {
	capacity := int64(DefaultSessionCacheMaxSize)
	if policy.SessionCacheMaxSize > 0 {
		capacity = int64(policy.SessionCacheMaxSize)
	}

	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * capacity,
		MaxCost:     capacity,
		BufferItems: 64,
		Metrics:     true,
		OnEvict:     ristrettoSessionOnEvict,
	})
	if err != nil {
		panic(fmt.Sprintf("unable to initialize session cache: %s", err))
	}

	return &ristrettoSessionCache{
		inner:   inner,
		loader:  loader,
		ttl:     policy.SessionCacheDuration,
		maxSize: capacity,
	}
}

func (r *ristrettoSessionCache) Get(id string) (*Session, error) {
	sess, err := r.getOrAdd(id)
	if err != nil {
		return nil, err
	}

	sess.encryption.(*sharedEncryption).incrementUsage()

	return sess, nil
}

func (r *ristrettoSessionCache) getOrAdd(id string) (*Session, error) {
	if val, found := r.inner.Get(id); found {
		return val.(*Session), nil
	}

	sess, err := r.loader(id)
	if err != nil {
		return nil, err
	}

	r.inner.SetWithTTL(id, sess, 1, r.ttl)

	return sess, nil
}

func (r *ristrettoSessionCache) Count() int {
	return int(r.inner.Metrics.KeysAdded() - r.inner.Metrics.KeysEvicted())
}

func (r *ristrettoSessionCache) Close() error {
	// Force eviction of everything currently held by exhausting the cache's
	// cost budget; ristretto has no direct "evict everything" call.
	r.inner.Set(-1, 0, r.maxSize)

	return nil
}

func ristrettoSessionOnEvict(_, _ uint64, value interface{}, _ int64) {
	if s, ok := value.(*Session); ok {
		getSessionCleanupProcessor().submit(s.encryption.(*sharedEncryption))
	}
}
