package envelope

import (
	"sync"

	mango "github.com/goburrow/cache"
)

// sessionCache shares long-lived Sessions across callers that ask for the
// same partition id, keeping the underlying intermediate key cache warm
// between requests instead of re-resolving it on every GetSession.
type sessionCache interface {
	Get(id string) (*Session, error)
	Count() int
	Close() error
}

// sessionLoaderFunc retrieves a Session for the given partition id, e.g. by
// calling newSession against a SessionFactory.
type sessionLoaderFunc func(id string) (*Session, error)

// NewSessionCache returns a sessionCache using the engine named by
// policy.SessionCacheEngine ("", "default", or "ristretto").
func NewSessionCache(loader sessionLoaderFunc, policy *CryptoPolicy) sessionCache {
	wrapper := func(id string) (*Session, error) {
		s, err := loader(id)
		if err != nil {
			return nil, err
		}

		if _, ok := s.encryption.(*sharedEncryption); !ok {
			mu := new(sync.Mutex)
			s.encryption = &sharedEncryption{
				Encryption: s.encryption,
				mu:         mu,
				cond:       sync.NewCond(mu),
			}
		}

		return s, nil
	}

	switch eng := policy.SessionCacheEngine; eng {
	case "", "default", "mango":
		return newMangoSessionCache(wrapper, policy)
	case "ristretto":
		return newRistrettoSessionCache(wrapper, policy)
	default:
		panic("invalid session cache engine: " + eng)
	}
}

// mangoSessionCache is a sessionCache backed by goburrow/cache.
type mangoSessionCache struct {
	inner mango.LoadingCache
}

func newMangoSessionCache(loader sessionLoaderFunc, policy *CryptoPolicy) *mangoSessionCache {
	return &mangoSessionCache{
		inner: mango.NewLoadingCache(
			func(k mango.Key) (mango.Value, error) {
				return loader(k.(string))
			},
			mango.WithMaximumSize(policy.SessionCacheMaxSize),
			mango.WithExpireAfterAccess(policy.SessionCacheDuration),
			mango.WithRemovalListener(mangoSessionRemovalListener),
		),
	}
}

func (m *mangoSessionCache) Get(id string) (*Session, error) {
	val, err := m.inner.Get(id)
	if err != nil {
		return nil, err
	}

	sess, ok := val.(*Session)
	if !ok {
		panic("unexpected value in session cache")
	}

	sess.encryption.(*sharedEncryption).incrementUsage()

	return sess, nil
}

func (m *mangoSessionCache) Count() int {
	stats := &mango.Stats{}
	m.inner.Stats(stats)

	return int(stats.LoadSuccessCount - stats.EvictionCount)
}

func (m *mangoSessionCache) Close() error {
	m.inner.Close()
	return nil
}

func mangoSessionRemovalListener(_ mango.Key, v mango.Value) {
	getSessionCleanupProcessor().submit(v.(*Session).encryption.(*sharedEncryption))
}

// sharedEncryption wraps an Encryption with a usage counter so that a
// Session evicted from the cache while still in use by another goroutine
// isn't closed out from under it: Close only decrements the counter, and
// the underlying Encryption is closed once the counter reaches zero.
type sharedEncryption struct {
	Encryption

	mu            *sync.Mutex
	cond          *sync.Cond
	accessCounter int
	closed        bool
	released      sync.Once
}

func (s *sharedEncryption) incrementUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessCounter++
	s.closed = false
}

// Close decrements the usage counter. The wrapped Encryption is not closed
// here; release does that once every caller has given up its reference.
func (s *sharedEncryption) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.accessCounter--
	if s.accessCounter <= 0 {
		s.closed = true
	}

	return nil
}

// release blocks until every Close has been observed, then closes the
// wrapped Encryption exactly once. Called from the cache's eviction
// listener; safe to call more than once, since a caller racing the worker
// pool's full-queue fallback could otherwise trigger it twice for the same
// eviction.
func (s *sharedEncryption) release() {
	s.mu.Lock()
	for !s.closed {
		s.cond.Wait()
	}
	s.mu.Unlock()

	s.released.Do(func() {
		s.Encryption.Close()
	})
}
