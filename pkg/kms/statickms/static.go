// Package statickms provides a single-master-key KeyManagementService for
// tests and small deployments that don't need a real external KMS.
package statickms

import (
	"context"

	"github.com/pkg/errors"

	"github.com/lockboxhq/envelope/envelope"
	"github.com/lockboxhq/envelope/securebox"
)

const keySize = 32

var _ envelope.KeyManagementService = (*KMS)(nil)

// KMS is an in-memory KeyManagementService backed by a single master key.
//
// It should never be used in production; it exists so tests and examples
// don't need a real KMS.
type KMS struct {
	crypto envelope.AEAD
	key    securebox.Secret
}

// New constructs a KMS from key, which must be exactly 32 bytes, using
// factory to hold it in protected memory.
func New(factory securebox.Factory, key []byte, crypto envelope.AEAD) (*KMS, error) {
	if len(key) != keySize {
		return nil, errors.Errorf("invalid key size %d, must be %d bytes", len(key), keySize)
	}

	secret, err := factory.New(key)
	if err != nil {
		return nil, err
	}

	return &KMS{crypto: crypto, key: secret}, nil
}

// EncryptKey encrypts bytes under the master key.
func (k *KMS) EncryptKey(_ context.Context, bytes []byte) ([]byte, error) {
	var dst []byte

	err := k.key.WithBytes(func(keyBytes []byte) error {
		var encErr error
		dst, encErr = k.crypto.Encrypt(bytes, keyBytes)
		return encErr
	})

	return dst, err
}

// DecryptKey decrypts encKey, previously produced by EncryptKey.
func (k *KMS) DecryptKey(_ context.Context, encKey []byte) ([]byte, error) {
	var dst []byte

	err := k.key.WithBytes(func(keyBytes []byte) error {
		var decErr error
		dst, decErr = k.crypto.Decrypt(encKey, keyBytes)
		return decErr
	})

	return dst, err
}

// Close releases the memory locked by the master key. Call once the KMS is
// no longer in use.
func (k *KMS) Close() error {
	return k.key.Close()
}
