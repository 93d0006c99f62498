// Package envelope implements application-level envelope encryption: a
// per-partition key hierarchy (system key -> intermediate key -> data key)
// rooted in an external KMS, with caching and rotation of the system and
// intermediate keys. Most callers interact with it through SessionFactory,
// created once at application start up and kept for the process lifetime.
//
// A Session returned by the factory should be closed as close to its
// creation as practical, and kept short-lived: closing promptly bounds the
// amount of memory this package keeps locked via securebox, which is
// typically subject to an OS mlock limit.
package envelope

import "context"

// Encryption performs encryption/decryption of a payload within a single
// partition.
type Encryption interface {
	// EncryptPayload encrypts data and returns a DataRowRecord carrying
	// everything needed to decrypt it later.
	EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error)

	// DecryptDataRowRecord decrypts d and returns the original payload.
	DecryptDataRowRecord(ctx context.Context, d DataRowRecord) ([]byte, error)

	// Close releases any resources held. Call it as soon as the instance is
	// no longer needed.
	Close() error
}

// KeyManagementService wraps and unwraps a system key under an external
// master key.
type KeyManagementService interface {
	// EncryptKey encrypts an unencrypted system key with the master key. The
	// result should be stored in the Metastore before use.
	EncryptKey(ctx context.Context, key []byte) ([]byte, error)

	// DecryptKey decrypts an encrypted system key using the master key.
	DecryptKey(ctx context.Context, encryptedKey []byte) ([]byte, error)
}

// Metastore persists and retrieves EnvelopeKeyRecords.
type Metastore interface {
	// Load retrieves the key matching id and created, or nil if absent.
	Load(ctx context.Context, id string, created int64) (*EnvelopeKeyRecord, error)

	// LoadLatest returns the most recently created key matching id, or nil if
	// none exists.
	LoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error)

	// Store inserts envelope under (id, created) if not already present. It
	// reports false, with no error, if an entry already exists at that key.
	Store(ctx context.Context, id string, created int64, envelope *EnvelopeKeyRecord) (bool, error)
}

// AEAD encrypts and decrypts data under a symmetric key.
type AEAD interface {
	// Encrypt seals data under key.
	Encrypt(data, key []byte) ([]byte, error)

	// Decrypt opens data under key.
	Decrypt(data, key []byte) ([]byte, error)
}

// Loader retrieves a persisted DataRowRecord by an opaque lookup key.
type Loader interface {
	Load(ctx context.Context, key interface{}) (*DataRowRecord, error)
}

// Storer persists a DataRowRecord and returns a lookup key for it.
type Storer interface {
	Store(ctx context.Context, d DataRowRecord) (interface{}, error)
}

// AES256KeySize is the size, in bytes, of the keys this package generates
// and expects KMS/AEAD implementations to operate on.
const AES256KeySize int = 32
