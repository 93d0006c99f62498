package envelope

import (
	"context"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/lockboxhq/envelope/pkg/log"
	"github.com/lockboxhq/envelope/securebox"
	"github.com/lockboxhq/envelope/securebox/memguard"
)

// SessionFactory creates Sessions and owns the system key cache and, when
// enabled, the session cache shared across every Session it produces.
type SessionFactory struct {
	sessionCache  sessionCache
	systemKeys    cache
	Config        *Config
	Metastore     Metastore
	Crypto        AEAD
	KMS           KeyManagementService
	SecretFactory securebox.Factory
}

// FactoryOption configures a SessionFactory beyond its required
// constructor arguments.
type FactoryOption func(*SessionFactory)

// WithSecretFactory overrides the securebox.Factory used to allocate key
// secrets. The default is securebox/memguard.
func WithSecretFactory(f securebox.Factory) FactoryOption {
	return func(factory *SessionFactory) {
		factory.SecretFactory = f
	}
}

// WithMetrics enables or disables metrics collection. Metrics are enabled
// by default.
func WithMetrics(enabled bool) FactoryOption {
	return func(factory *SessionFactory) {
		if !enabled {
			metrics.DefaultRegistry.UnregisterAll()
		}
	}
}

// NewSessionFactory returns a SessionFactory wired to store, kms, and
// crypto, using config.Policy (or its defaults, if nil) to drive caching.
func NewSessionFactory(config *Config, store Metastore, kms KeyManagementService, crypto AEAD, opts ...FactoryOption) *SessionFactory {
	if config.Policy == nil {
		config.Policy = NewCryptoPolicy()
	}

	var skCache cache
	if config.Policy.CacheSystemKeys {
		skCache = newKeyCache(cacheTypeSystemKeys, config.Policy)
		log.Debugf("new system key cache: %v", skCache)
	} else {
		skCache = neverCache{}
	}

	factory := &SessionFactory{
		systemKeys:    skCache,
		Config:        config,
		Metastore:     store,
		Crypto:        crypto,
		KMS:           kms,
		SecretFactory: new(memguard.Factory),
	}

	if config.Policy.CacheSessions {
		factory.sessionCache = NewSessionCache(func(id string) (*Session, error) {
			return newSession(factory, id)
		}, config.Policy)
	}

	for _, opt := range opts {
		opt(factory)
	}

	return factory
}

// Close releases every resource this factory owns: the session cache, if
// enabled, and the shared system key cache. Call once the factory is no
// longer needed.
func (f *SessionFactory) Close() error {
	if f.Config.Policy.CacheSessions {
		_ = f.sessionCache.Close()
	}

	return f.systemKeys.Close()
}

// GetSession returns a Session for partition id, from the session cache if
// one is configured and already holds it.
func (f *SessionFactory) GetSession(id string) (*Session, error) {
	if id == "" {
		return nil, errors.Wrap(ErrInvalidConfiguration, "partition id cannot be empty")
	}

	if f.Config.Policy.CacheSessions {
		return f.sessionCache.Get(id)
	}

	return newSession(f, id)
}

func newSession(f *SessionFactory, id string) (*Session, error) {
	s := &Session{
		encryption: &envelopeEncryption{
			partition:        f.newPartition(id),
			Metastore:        f.Metastore,
			KMS:              f.KMS,
			Policy:           f.Config.Policy,
			Crypto:           f.Crypto,
			SecretFactory:    f.SecretFactory,
			systemKeys:       f.systemKeys,
			intermediateKeys: f.newIKCache(),
		},
	}

	log.Debugf("new session for partition %s: Session(%p){Encryption(%p)}", id, s, s.encryption)

	return s, nil
}

// regionSuffixer is implemented by a Metastore that assigns a region
// suffix to every key id it manages.
type regionSuffixer interface {
	GetRegionSuffix() string
}

func (f *SessionFactory) newPartition(id string) partition {
	if rs, ok := f.Metastore.(regionSuffixer); ok && len(rs.GetRegionSuffix()) > 0 {
		return newSuffixedPartition(id, f.Config.Service, f.Config.Product, rs.GetRegionSuffix())
	}

	return newPartition(id, f.Config.Service, f.Config.Product)
}

func (f *SessionFactory) newIKCache() cache {
	if f.Config.Policy.CacheIntermediateKeys {
		return newKeyCache(cacheTypeIntermediateKeys, f.Config.Policy)
	}

	return neverCache{}
}

// Session encrypts and decrypts data for a single partition id.
type Session struct {
	encryption Encryption
}

// Encrypt encrypts data, returning a DataRowRecord that holds everything
// needed to decrypt it later.
func (s *Session) Encrypt(ctx context.Context, data []byte) (*DataRowRecord, error) {
	return s.encryption.EncryptPayload(ctx, data)
}

// Decrypt reverses Encrypt, returning the original plaintext.
func (s *Session) Decrypt(ctx context.Context, d DataRowRecord) ([]byte, error) {
	return s.encryption.DecryptDataRowRecord(ctx, d)
}

// Load fetches a DataRowRecord from store using key and decrypts it.
func (s *Session) Load(ctx context.Context, key interface{}, store Loader) ([]byte, error) {
	drr, err := store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	return s.Decrypt(ctx, *drr)
}

// Store encrypts payload and persists the resulting DataRowRecord into
// store, returning the key under which it was stored.
func (s *Session) Store(ctx context.Context, payload []byte, store Storer) (interface{}, error) {
	drr, err := s.Encrypt(ctx, payload)
	if err != nil {
		return nil, err
	}

	return store.Store(ctx, *drr)
}

// Close releases every resource this session owns (e.g. its intermediate
// key cache). Call as soon as the session is no longer in use.
func (s *Session) Close() error {
	return s.encryption.Close()
}
