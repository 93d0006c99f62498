package envelope

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/lockboxhq/envelope/envelope/internal"
	"github.com/lockboxhq/envelope/securebox"
)

// MetricsPrefix namespaces every metric this package registers.
const MetricsPrefix = "ael"

var (
	decryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.decrypt", MetricsPrefix), nil)
	encryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.encrypt", MetricsPrefix), nil)
)

var _ Encryption = (*envelopeEncryption)(nil)

// envelopeEncryption implements Encryption for a single partition: it
// resolves (loading, generating, or rotating as needed) the system and
// intermediate keys that protect that partition's data keys.
type envelopeEncryption struct {
	partition        partition
	Metastore        Metastore
	KMS              KeyManagementService
	Policy           *CryptoPolicy
	Crypto           AEAD
	SecretFactory    securebox.Factory
	systemKeys       cache
	intermediateKeys cache
}

// loadSystemKey fetches a known system key from the metastore and decrypts
// it via the KMS.
func (e *envelopeEncryption) loadSystemKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.Metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreFailure, err.Error())
	}

	if ekr == nil {
		return nil, errors.Wrap(ErrMetadataMissing, "system key not found in metastore")
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

// systemKeyFromEKR decrypts ekr via the KMS and wraps the result in a
// CryptoKey.
func (e *envelopeEncryption) systemKeyFromEKR(ctx context.Context, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	bytes, err := e.KMS.DecryptKey(ctx, ekr.EncryptedKey)
	if err != nil {
		return nil, errors.Wrap(ErrKmsFailure, err.Error())
	}

	return internal.NewCryptoKey(e.SecretFactory, ekr.Created, ekr.Revoked, bytes)
}

// intermediateKeyFromEKR decrypts ekr using sk and wraps the result in a
// CryptoKey. If ekr's recorded parent doesn't match sk (the system key
// rotated between ekr being written and now), the correct parent is loaded
// first.
func (e *envelopeEncryption) intermediateKeyFromEKR(sk *internal.CryptoKey, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	if ekr != nil && ekr.ParentKeyMeta != nil && sk.Created() != ekr.ParentKeyMeta.Created {
		skLoaded, err := e.getOrLoadSystemKey(context.Background(), *ekr.ParentKeyMeta)
		if err != nil {
			return nil, err
		}

		sk = skLoaded
	}

	ikBuffer, err := internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
		return e.Crypto.Decrypt(ekr.EncryptedKey, skBytes)
	})
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}

	return internal.NewCryptoKey(e.SecretFactory, ekr.Created, ekr.Revoked, ikBuffer)
}

// loadLatestOrCreateSystemKey returns the most recent system key for id,
// creating and persisting a new one if none exists or the latest is no
// longer valid.
func (e *envelopeEncryption) loadLatestOrCreateSystemKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	ekr, err := e.Metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreFailure, err.Error())
	}

	if ekr != nil && !e.isEnvelopeInvalid(ekr) {
		return e.systemKeyFromEKR(ctx, ekr)
	}

	sk, err := e.generateKey()
	if err != nil {
		return nil, err
	}

	switch success, err2 := e.tryStoreSystemKey(ctx, sk); {
	case success:
		return sk, nil
	default:
		sk.Close()

		if err2 != nil {
			return nil, err2
		}
	}

	// Storing failed, most likely because another caller raced us and
	// already wrote a system key. Load whatever is there now.
	ekr, err = e.mustLoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

// tryStoreSystemKey persists the encrypted sk, ignoring persistence errors
// (a duplicate-key error just means another caller already won the race).
// err is non-nil only when encryption itself fails.
func (e *envelopeEncryption) tryStoreSystemKey(ctx context.Context, sk *internal.CryptoKey) (success bool, err error) {
	encKey, err := internal.WithKeyFunc(sk, func(keyBytes []byte) ([]byte, error) {
		return e.KMS.EncryptKey(ctx, keyBytes)
	})
	if err != nil {
		return false, errors.Wrap(ErrKmsFailure, err.Error())
	}

	ekr := &EnvelopeKeyRecord{
		ID:           e.partition.SystemKeyID(),
		Created:      sk.Created(),
		EncryptedKey: encKey,
	}

	return e.tryStore(ctx, ekr), nil
}

var _ keyReloader = (*reloader)(nil)

// reloader adapts a loader function into a keyReloader, and tracks every
// key it loads so Close can release the ones that turned out unused.
type reloader struct {
	loadedKeys    []*internal.CryptoKey
	mu            sync.Mutex
	loader        keyLoader
	isInvalidFunc func(key *internal.CryptoKey) bool
	keyID         string
	isCached      bool
}

// Load implements keyLoader.
func (r *reloader) Load() (*internal.CryptoKey, error) {
	k, err := r.loader.Load()
	if err != nil {
		return nil, err
	}

	r.append(k)

	return k, nil
}

func (r *reloader) append(key *internal.CryptoKey) {
	r.mu.Lock()
	r.loadedKeys = append(r.loadedKeys, key)
	r.mu.Unlock()
}

// IsInvalid implements keyReloader.
func (r *reloader) IsInvalid(key *internal.CryptoKey) bool {
	return r.isInvalidFunc(key)
}

// Close releases every key this reloader loaded that wasn't ultimately
// owned by a cache.
func (r *reloader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range r.loadedKeys {
		maybeCloseKey(r.isCached, key)
	}
}

// GetOrLoadLatest wraps c.GetOrLoadLatest using r as the loader.
func (r *reloader) GetOrLoadLatest(c cache) (*internal.CryptoKey, error) {
	return c.GetOrLoadLatest(r.keyID, r)
}

func (e *envelopeEncryption) newIntermediateKeyReloader(ctx context.Context) *reloader {
	return e.newKeyReloader(
		ctx,
		e.partition.IntermediateKeyID(),
		e.Policy.CacheIntermediateKeys,
		e.loadLatestOrCreateIntermediateKey,
	)
}

func (e *envelopeEncryption) newSystemKeyReloader(ctx context.Context) *reloader {
	return e.newKeyReloader(
		ctx,
		e.partition.SystemKeyID(),
		e.Policy.CacheSystemKeys,
		e.loadLatestOrCreateSystemKey,
	)
}

func (e *envelopeEncryption) newKeyReloader(
	ctx context.Context,
	id string,
	isCached bool,
	loader func(context.Context, string) (*internal.CryptoKey, error),
) *reloader {
	return &reloader{
		keyID:    id,
		isCached: isCached,
		loader: keyLoaderFunc(func() (*internal.CryptoKey, error) {
			return loader(ctx, id)
		}),
		isInvalidFunc: e.isKeyInvalid,
	}
}

// isKeyInvalid reports whether key is revoked or expired per policy.
func (e *envelopeEncryption) isKeyInvalid(key *internal.CryptoKey) bool {
	return internal.IsKeyInvalid(key, e.Policy.ExpireKeyAfter)
}

// isEnvelopeInvalid reports whether ekr is revoked or its key has expired.
func (e *envelopeEncryption) isEnvelopeInvalid(ekr *EnvelopeKeyRecord) bool {
	return e == nil || internal.IsKeyExpired(ekr.Created, e.Policy.ExpireKeyAfter) || ekr.Revoked
}

func (e *envelopeEncryption) generateKey() (*internal.CryptoKey, error) {
	createdAt := newKeyTimestamp(e.Policy.CreateDatePrecision)
	return internal.GenerateKey(e.SecretFactory, createdAt, AES256KeySize)
}

// tryStore persists ekr, reporting success. Metastore errors (including
// duplicate-key rejections a SQL-backed store can't distinguish from other
// failures) are treated alike: the caller always has a fallback load to
// fall back on, so there's nothing more useful to do with the error here.
func (e *envelopeEncryption) tryStore(ctx context.Context, ekr *EnvelopeKeyRecord) bool {
	success, _ := e.Metastore.Store(ctx, ekr.ID, ekr.Created, ekr)

	return success
}

// mustLoadLatest loads the latest record for id, failing if none exists.
func (e *envelopeEncryption) mustLoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error) {
	ekr, err := e.Metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreFailure, err.Error())
	}

	if ekr == nil {
		return nil, errors.Wrap(ErrMetadataMissing, "key not found in metastore after retry")
	}

	return ekr, nil
}

// createIntermediateKey generates a new IK and persists it, falling back to
// loading whatever the metastore now holds if persistence reveals a
// concurrent writer won the race.
func (e *envelopeEncryption) createIntermediateKey(ctx context.Context) (*internal.CryptoKey, error) {
	r := e.newSystemKeyReloader(ctx)
	defer r.Close()

	sk, err := r.GetOrLoadLatest(e.systemKeys)
	if err != nil {
		return nil, err
	}

	ik, err := e.generateKey()
	if err != nil {
		return nil, err
	}

	switch success, err2 := e.tryStoreIntermediateKey(ctx, ik, sk); {
	case success:
		return ik, nil
	default:
		ik.Close()

		if err2 != nil {
			return nil, err2
		}
	}

	newEkr, err := e.mustLoadLatest(ctx, e.partition.IntermediateKeyID())
	if err != nil {
		return nil, err
	}

	return e.intermediateKeyFromEKR(sk, newEkr)
}

// tryStoreIntermediateKey persists ik, wrapped by sk, ignoring persistence
// errors. err is non-nil only when encryption itself fails.
func (e *envelopeEncryption) tryStoreIntermediateKey(ctx context.Context, ik, sk *internal.CryptoKey) (success bool, err error) {
	encBytes, err := internal.WithKeyFunc(ik, func(keyBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(sk, func(systemKeyBytes []byte) ([]byte, error) {
			return e.Crypto.Encrypt(keyBytes, systemKeyBytes)
		})
	})
	if err != nil {
		return false, err
	}

	ekr := &EnvelopeKeyRecord{
		ID:           e.partition.IntermediateKeyID(),
		Created:      ik.Created(),
		EncryptedKey: encBytes,
		ParentKeyMeta: &KeyMeta{
			ID:      e.partition.SystemKeyID(),
			Created: sk.Created(),
		},
	}

	return e.tryStore(ctx, ekr), nil
}

// loadLatestOrCreateIntermediateKey returns the most recent valid IK for id,
// creating one if none exists or the latest (or its parent SK) is invalid.
func (e *envelopeEncryption) loadLatestOrCreateIntermediateKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	ikEkr, err := e.Metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreFailure, err.Error())
	}

	if ikEkr == nil || e.isEnvelopeInvalid(ikEkr) {
		return e.createIntermediateKey(ctx)
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ikEkr.ParentKeyMeta)
	if err != nil {
		return e.createIntermediateKey(ctx)
	}

	defer maybeCloseKey(e.Policy.CacheSystemKeys, sk)

	if ik := e.getValidIntermediateKey(sk, ikEkr); ik != nil {
		return ik, nil
	}

	return e.createIntermediateKey(ctx)
}

// getOrLoadSystemKey returns the system key named by meta from cache,
// loading it from the metastore on a miss.
func (e *envelopeEncryption) getOrLoadSystemKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	loader := keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return e.loadSystemKey(ctx, meta)
	})

	return e.systemKeys.GetOrLoad(meta, loader)
}

// getValidIntermediateKey decrypts ekr via sk and returns the resulting
// CryptoKey, or nil if sk is invalid or decryption fails.
func (e *envelopeEncryption) getValidIntermediateKey(sk *internal.CryptoKey, ekr *EnvelopeKeyRecord) *internal.CryptoKey {
	if e.isKeyInvalid(sk) {
		return nil
	}

	ik, err := e.intermediateKeyFromEKR(sk, ekr)
	if err != nil {
		return nil
	}

	return ik
}

// decryptRow unwraps drr's data key using ik, then decrypts drr's payload.
func decryptRow(ik *internal.CryptoKey, drr DataRowRecord, crypto AEAD) ([]byte, error) {
	return internal.WithKeyFunc(ik, func(bytes []byte) ([]byte, error) {
		rawDrk, err := crypto.Decrypt(drr.Key.EncryptedKey, bytes)
		if err != nil {
			return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
		}

		defer internal.MemClr(rawDrk)

		data, err := crypto.Decrypt(drr.Data, rawDrk)
		if err != nil {
			return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
		}

		return data, nil
	})
}

// maybeCloseKey closes key unless it is owned by a cache.
func maybeCloseKey(isCached bool, key *internal.CryptoKey) {
	if !isCached {
		key.Close()
	}
}

// EncryptPayload encrypts data under a fresh data key, itself wrapped by the
// partition's current intermediate key, and returns the result as a
// DataRowRecord ready for persistence alongside data.
func (e *envelopeEncryption) EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error) {
	defer encryptTimer.UpdateSince(time.Now())

	r := e.newIntermediateKeyReloader(ctx)
	defer r.Close()

	ik, err := r.GetOrLoadLatest(e.intermediateKeys)
	if err != nil {
		return nil, err
	}

	// The data key's id is never stored or looked up, so there's no benefit
	// to truncating its creation time the way policy does for SK/IK.
	drk, err := internal.GenerateKey(e.SecretFactory, time.Now().Unix(), AES256KeySize)
	if err != nil {
		return nil, err
	}

	defer drk.Close()

	encData, err := internal.WithKeyFunc(drk, func(bytes []byte) ([]byte, error) {
		return e.Crypto.Encrypt(data, bytes)
	})
	if err != nil {
		return nil, err
	}

	encBytes, err := internal.WithKeyFunc(ik, func(bytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
			return e.Crypto.Encrypt(drkBytes, bytes)
		})
	})
	if err != nil {
		return nil, err
	}

	return &DataRowRecord{
		Key: &EnvelopeKeyRecord{
			Created:      drk.Created(),
			EncryptedKey: encBytes,
			ParentKeyMeta: &KeyMeta{
				Created: ik.Created(),
				ID:      e.partition.IntermediateKeyID(),
			},
		},
		Data: encData,
	}, nil
}

// DecryptDataRowRecord reverses EncryptPayload, returning the original
// plaintext.
func (e *envelopeEncryption) DecryptDataRowRecord(ctx context.Context, drr DataRowRecord) ([]byte, error) {
	defer decryptTimer.UpdateSince(time.Now())

	if drr.Key == nil {
		return nil, errors.Wrap(ErrMetadataMissing, "data row record has no key")
	}

	if drr.Key.ParentKeyMeta == nil {
		return nil, errors.Wrap(ErrMetadataMissing, "data row record key has no parent")
	}

	if !e.partition.IsValidIntermediateKeyID(drr.Key.ParentKeyMeta.ID) {
		return nil, errors.Wrap(ErrMetadataMissing, "record belongs to a different partition")
	}

	loader := keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return e.loadIntermediateKey(ctx, *drr.Key.ParentKeyMeta)
	})

	ik, err := e.intermediateKeys.GetOrLoad(*drr.Key.ParentKeyMeta, loader)
	if err != nil {
		return nil, err
	}

	defer maybeCloseKey(e.Policy.CacheIntermediateKeys, ik)

	return decryptRow(ik, drr, e.Crypto)
}

// loadIntermediateKey fetches a known IK from the metastore and decrypts it
// using its parent system key.
func (e *envelopeEncryption) loadIntermediateKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.Metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreFailure, err.Error())
	}

	if ekr == nil {
		return nil, errors.Wrap(ErrMetadataMissing, "intermediate key not found in metastore")
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return nil, err
	}

	defer maybeCloseKey(e.Policy.CacheSystemKeys, sk)

	return e.intermediateKeyFromEKR(sk, ekr)
}

// Close frees every key cached for this partition's intermediate key tier.
// Call once the session using it is finished.
func (e *envelopeEncryption) Close() error {
	return e.intermediateKeys.Close()
}
