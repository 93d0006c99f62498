package envelope

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/lockboxhq/envelope/envelope/internal"
	"github.com/lockboxhq/envelope/securebox/memguard"
)

const testKeyID = "TestKey"

var cacheTestSecretFactory = new(memguard.Factory)

type CacheTestSuite struct {
	suite.Suite
	policy   *CryptoPolicy
	keyCache *keyCache
	created  int64
}

func TestCacheTestSuite(t *testing.T) {
	suite.Run(t, new(CacheTestSuite))
}

func (suite *CacheTestSuite) SetupTest() {
	suite.policy = NewCryptoPolicy()
	suite.keyCache = newKeyCache(cacheTypeIntermediateKeys, suite.policy)
	suite.created = time.Now().Unix()
}

func (suite *CacheTestSuite) TearDownTest() {
	suite.keyCache.Close()
}

func (suite *CacheTestSuite) Test_CacheKey() {
	key := cacheKey(testKeyID, suite.created)

	assert.Contains(suite.T(), key, testKeyID)
	assert.Contains(suite.T(), key, fmt.Sprintf("%d", suite.created))
}

func (suite *CacheTestSuite) Test_NewKeyCache() {
	c := newKeyCache(cacheTypeSystemKeys, NewCryptoPolicy())
	defer c.Close()

	assert.NotNil(suite.T(), c)
	assert.NotNil(suite.T(), c.entries)
	assert.NotNil(suite.T(), c.policy)
	assert.Equal(suite.T(), DefaultKeyCacheMaxSize, c.entries.Capacity())
}

func (suite *CacheTestSuite) Test_IsReloadRequired_WithIntervalNotElapsed() {
	key, err := internal.NewCryptoKey(cacheTestSecretFactory, suite.created, false, []byte("blah"))
	if assert.NoError(suite.T(), err) {
		defer key.Close()

		entry := newCacheEntry(key)

		assert.False(suite.T(), isReloadRequired(entry, time.Hour))
	}
}

func (suite *CacheTestSuite) Test_IsReloadRequired_WithIntervalElapsed() {
	key, err := internal.NewCryptoKey(cacheTestSecretFactory, suite.created, false, []byte("blah"))
	if assert.NoError(suite.T(), err) {
		defer key.Close()

		entry := cacheEntry{loadedAt: time.Now().Add(-2 * time.Hour), key: key}

		assert.True(suite.T(), isReloadRequired(entry, time.Hour))
	}
}

func (suite *CacheTestSuite) Test_IsReloadRequired_WithRevoked() {
	key, err := internal.NewCryptoKey(cacheTestSecretFactory, suite.created, true, []byte("blah"))
	if assert.NoError(suite.T(), err) {
		defer key.Close()

		// this loadedAt would normally require reload
		entry := cacheEntry{loadedAt: time.Now().Add(-2 * time.Hour), key: key}

		assert.False(suite.T(), isReloadRequired(entry, time.Hour))
	}
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoad_WithCachedKeyNoReloadRequired() {
	_, err := suite.keyCache.GetOrLoad(KeyMeta{ID: testKeyID, Created: suite.created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return internal.NewCryptoKey(cacheTestSecretFactory, suite.created, false, []byte("blah"))
	}))
	assert.NoError(suite.T(), err)

	key, err := suite.keyCache.GetOrLoad(KeyMeta{ID: testKeyID, Created: suite.created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return nil, errors.New("should not be called")
	}))

	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), key)
	assert.Equal(suite.T(), suite.created, key.Created())
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoad_WithEmptyCache() {
	meta := KeyMeta{ID: testKeyID, Created: suite.created}

	key, err := suite.keyCache.GetOrLoad(meta, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return internal.NewCryptoKey(cacheTestSecretFactory, suite.created, false, []byte("blah"))
	}))

	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), key)
	assert.Equal(suite.T(), suite.created, key.Created())
	assert.Equal(suite.T(), meta, suite.keyCache.latest[testKeyID])
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoad_DoesNotSetKeyOnError() {
	key, err := suite.keyCache.GetOrLoad(KeyMeta{}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return nil, errors.New("error")
	}))

	if assert.Error(suite.T(), err) {
		assert.Nil(suite.T(), key)
		assert.Zero(suite.T(), suite.keyCache.entries.Len())
	}
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoad_WithOldCachedKeyLoadNewerUpdatesLatest() {
	olderCreated := time.Now().Add(-(time.Hour * 24)).Unix()

	_, err := suite.keyCache.GetOrLoad(KeyMeta{ID: testKeyID, Created: olderCreated}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return internal.NewCryptoKey(cacheTestSecretFactory, olderCreated, false, []byte("blah"))
	}))
	assert.NoError(suite.T(), err)

	key, err := suite.keyCache.GetOrLoad(KeyMeta{ID: testKeyID, Created: suite.created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return internal.NewCryptoKey(cacheTestSecretFactory, suite.created, false, []byte("newerblah"))
	}))

	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), key)
	assert.Equal(suite.T(), suite.created, key.Created())
	assert.Equal(suite.T(), KeyMeta{ID: testKeyID, Created: suite.created}, suite.keyCache.latest[testKeyID])

	olderEntry, ok := suite.keyCache.entries.Get(cacheKey(testKeyID, olderCreated))
	assert.True(suite.T(), ok)
	assert.Equal(suite.T(), olderCreated, olderEntry.key.Created())
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoad_WithCachedKeyReloadRequiredAndNowRevoked() {
	key, err := internal.NewCryptoKey(cacheTestSecretFactory, suite.created, false, []byte("blah"))
	if assert.NoError(suite.T(), err) {
		entry := cacheEntry{key: key, loadedAt: time.Now().Add(-2 * suite.policy.RevokeCheckInterval)}

		suite.keyCache.entries.Set(cacheKey(testKeyID, suite.created), entry)
		suite.keyCache.latest[testKeyID] = KeyMeta{ID: testKeyID, Created: suite.created}

		revokedKey, e := internal.NewCryptoKey(cacheTestSecretFactory, suite.created, true, []byte("blah"))
		if assert.NoError(suite.T(), e) {
			loaded, err := suite.keyCache.GetOrLoad(KeyMeta{ID: testKeyID, Created: suite.created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
				return revokedKey, nil
			}))

			assert.NoError(suite.T(), err)
			assert.NotNil(suite.T(), loaded)
			assert.Equal(suite.T(), suite.created, loaded.Created())
			assert.True(suite.T(), loaded.Revoked())

			// the entry we already cached gets its revoked bit folded in, and
			// the freshly loaded duplicate is closed rather than kept.
			assert.True(suite.T(), revokedKey.IsClosed())
		}
	}
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoadLatest_ReloadsWhenInvalid() {
	meta := KeyMeta{ID: testKeyID, Created: suite.created}

	_, err := suite.keyCache.GetOrLoad(meta, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return internal.NewCryptoKey(cacheTestSecretFactory, suite.created, false, []byte("blah"))
	}))
	assert.NoError(suite.T(), err)

	newCreated := suite.created + 1
	reloader := &fakeKeyReloader{invalid: true, newCreated: newCreated}

	key, err := suite.keyCache.GetOrLoadLatest(testKeyID, reloader)

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), newCreated, key.Created())
	assert.Equal(suite.T(), newCreated, suite.keyCache.latest[testKeyID].Created)
}

type fakeKeyReloader struct {
	invalid    bool
	newCreated int64
}

func (f *fakeKeyReloader) Load() (*internal.CryptoKey, error) {
	return internal.NewCryptoKey(cacheTestSecretFactory, f.newCreated, false, []byte("reloaded"))
}

func (f *fakeKeyReloader) IsInvalid(*internal.CryptoKey) bool {
	return f.invalid
}

func (suite *CacheTestSuite) TestNeverCache() {
	var c cache = neverCache{}

	calls := 0
	loader := keyLoaderFunc(func() (*internal.CryptoKey, error) {
		calls++
		return internal.NewCryptoKey(cacheTestSecretFactory, suite.created, false, []byte("blah"))
	})

	k1, err := c.GetOrLoad(KeyMeta{ID: testKeyID, Created: suite.created}, loader)
	assert.NoError(suite.T(), err)
	defer k1.Close()

	k2, err := c.GetOrLoad(KeyMeta{ID: testKeyID, Created: suite.created}, loader)
	assert.NoError(suite.T(), err)
	defer k2.Close()

	assert.Equal(suite.T(), 2, calls, "neverCache must never cache across calls")
	assert.NoError(suite.T(), c.Close())
}
