package envelope

import "time"

// Default values for CryptoPolicy when not overridden.
const (
	DefaultExpireAfter                = time.Hour * 24 * 90 // 90 days
	DefaultRevokedCheckInterval       = time.Minute * 60
	DefaultCreateDatePrecision        = time.Minute
	DefaultKeyCacheMaxSize            = 1000
	DefaultSessionCacheMaxSize        = 1000
	DefaultSessionCacheDuration       = time.Hour * 2
	DefaultSessionCacheEngine         = "default"
	DefaultKeyCacheEvictionPolicy     = "lru"
	DefaultSessionCacheEvictionPolicy = "slru"
)

// CryptoPolicy customizes caching, rotation, and eviction behavior.
type CryptoPolicy struct {
	// ExpireKeyAfter determines when a key is considered expired based on its
	// creation time (regularly-scheduled rotation).
	ExpireKeyAfter time.Duration

	// RevokeCheckInterval bounds how long a cached key is trusted before its
	// revoked status is reverified (irregularly-scheduled rotation).
	RevokeCheckInterval time.Duration

	// CreateDatePrecision truncates a newly generated key's creation
	// timestamp, so concurrent first-encrypt races collapse onto the same
	// (id, created) pair instead of minting many distinct keys.
	CreateDatePrecision time.Duration

	// CacheIntermediateKeys enables caching of intermediate keys.
	CacheIntermediateKeys bool

	// IntermediateKeyCacheMaxSize bounds the intermediate key cache.
	IntermediateKeyCacheMaxSize int

	// IntermediateKeyCacheEvictionPolicy selects the eviction policy:
	// "lru", "lfu", "slru", or "tinylfu".
	IntermediateKeyCacheEvictionPolicy string

	// SharedIntermediateKeyCache is stored on the policy but not read by
	// SessionFactory: every session builds its own intermediate key cache
	// whether or not it is set.
	SharedIntermediateKeyCache bool

	// CacheSystemKeys enables caching of system keys.
	CacheSystemKeys bool

	// SystemKeyCacheMaxSize bounds the system key cache. System keys are
	// always cached per factory (shared across sessions), so this directly
	// controls the shared cache's capacity.
	SystemKeyCacheMaxSize int

	// SystemKeyCacheEvictionPolicy selects the eviction policy: "lru",
	// "lfu", "slru", or "tinylfu".
	SystemKeyCacheEvictionPolicy string

	// CacheSessions enables the SessionFactory-level session cache.
	CacheSessions bool

	// SessionCacheMaxSize bounds the session cache.
	SessionCacheMaxSize int

	// SessionCacheDuration is how long a session may go unused before it's
	// evicted from the session cache.
	SessionCacheDuration time.Duration

	// SessionCacheEngine selects the session cache engine: "", "default", or
	// "mango" (goburrow/cache-backed LoadingCache with TTL) or "ristretto".
	SessionCacheEngine string
}

// PolicyOption configures a CryptoPolicy.
type PolicyOption func(*CryptoPolicy)

// WithRevokeCheckInterval sets RevokeCheckInterval.
func WithRevokeCheckInterval(d time.Duration) PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.RevokeCheckInterval = d
	}
}

// WithExpireAfterDuration sets ExpireKeyAfter.
func WithExpireAfterDuration(d time.Duration) PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.ExpireKeyAfter = d
	}
}

// WithNoCache disables caching of both system and intermediate keys.
func WithNoCache() PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.CacheSystemKeys = false
		policy.CacheIntermediateKeys = false
	}
}

// WithSharedIntermediateKeyCache sets SharedIntermediateKeyCache and sets
// IntermediateKeyCacheMaxSize to capacity. Intermediate key caches stay
// per session; only the capacity change takes effect.
func WithSharedIntermediateKeyCache(capacity int) PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.SharedIntermediateKeyCache = true
		policy.IntermediateKeyCacheMaxSize = capacity
	}
}

// WithSessionCache enables the session cache.
func WithSessionCache() PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.CacheSessions = true
	}
}

// WithSessionCacheMaxSize sets SessionCacheMaxSize.
func WithSessionCacheMaxSize(size int) PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.SessionCacheMaxSize = size
	}
}

// WithSessionCacheDuration sets SessionCacheDuration.
func WithSessionCacheDuration(d time.Duration) PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.SessionCacheDuration = d
	}
}

// WithSessionCacheEngine selects the session cache engine ("mango" or
// "ristretto").
func WithSessionCacheEngine(engine string) PolicyOption {
	return func(policy *CryptoPolicy) {
		policy.SessionCacheEngine = engine
	}
}

// NewCryptoPolicy returns a CryptoPolicy populated with defaults, then
// customized by opts.
func NewCryptoPolicy(opts ...PolicyOption) *CryptoPolicy {
	policy := &CryptoPolicy{
		ExpireKeyAfter:                     DefaultExpireAfter,
		RevokeCheckInterval:                DefaultRevokedCheckInterval,
		CreateDatePrecision:                DefaultCreateDatePrecision,
		CacheSystemKeys:                    true,
		CacheIntermediateKeys:              true,
		IntermediateKeyCacheMaxSize:        DefaultKeyCacheMaxSize,
		IntermediateKeyCacheEvictionPolicy: DefaultKeyCacheEvictionPolicy,
		SystemKeyCacheMaxSize:              DefaultKeyCacheMaxSize,
		SystemKeyCacheEvictionPolicy:       DefaultKeyCacheEvictionPolicy,
		SharedIntermediateKeyCache:         false,
		CacheSessions:                      false,
		SessionCacheMaxSize:                DefaultSessionCacheMaxSize,
		SessionCacheDuration:               DefaultSessionCacheDuration,
		SessionCacheEngine:                 DefaultSessionCacheEngine,
	}

	for _, opt := range opts {
		opt(policy)
	}

	return policy
}

// newKeyTimestamp returns the current unix timestamp (seconds), truncated to
// the given precision.
func newKeyTimestamp(truncate time.Duration) int64 {
	if truncate > 0 {
		return time.Now().Truncate(truncate).Unix()
	}

	return time.Now().Unix()
}

// Config holds the identity and policy needed to set up a SessionFactory.
type Config struct {
	// Service identifies the calling service.
	Service string

	// Product identifies the team or group that owns the calling service.
	Product string

	// Policy controls caching, rotation, and eviction. NewCryptoPolicy's
	// defaults are used if nil.
	Policy *CryptoPolicy
}
