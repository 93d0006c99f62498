package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lockboxhq/envelope/securebox"
)

var (
	// ErrSecretClosed indicates an operation was attempted against a
	// CryptoKey whose underlying secret has already been closed.
	ErrSecretClosed = errors.New("secret is closed")

	// ErrSecretAllocationFailed indicates a securebox.Secret could not be
	// allocated (e.g. the platform refused a memory lock).
	ErrSecretAllocationFailed = errors.New("secret allocation failed")
)

// CryptoKey is an unencrypted key held in secure memory via a
// securebox.Secret.
type CryptoKey struct {
	created int64
	secret  securebox.Secret
	once    sync.Once
	revoked uint32
}

// Created returns the key's creation time as a Unix epoch in seconds.
func (k *CryptoKey) Created() int64 {
	return k.created
}

// Revoked reports whether the key has been marked revoked.
func (k *CryptoKey) Revoked() bool {
	return atomic.LoadUint32(&k.revoked) == 1
}

// SetRevoked atomically sets the revoked flag.
func (k *CryptoKey) SetRevoked(revoked bool) {
	var revokedInt uint32
	if revoked {
		revokedInt = 1
	}

	atomic.StoreUint32(&k.revoked, revokedInt)
}

// Close destroys the underlying secret. Safe to call more than once.
func (k *CryptoKey) Close() {
	k.once.Do(k.close)
}

func (k *CryptoKey) close() {
	// k.secret is nil for keys constructed via NewCryptoKeyForTest.
	if k.secret == nil {
		return
	}

	k.secret.Close()
}

// IsClosed reports whether the underlying secret has been closed.
func (k *CryptoKey) IsClosed() bool {
	return k.secret.IsClosed()
}

func (k *CryptoKey) String() string {
	return fmt.Sprintf("CryptoKey(%p){secret(%p)}", k, k.secret)
}

// WithBytes implements BytesAccessor.
func (k *CryptoKey) WithBytes(action func([]byte) error) error {
	if err := k.secret.WithBytes(action); err != nil {
		if k.secret.IsClosed() {
			return errors.Wrap(ErrSecretClosed, err.Error())
		}

		return err
	}

	return nil
}

// WithBytesFunc implements BytesFuncAccessor.
func (k *CryptoKey) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	b, err := k.secret.WithBytesFunc(action)
	if err != nil {
		if k.secret.IsClosed() {
			return nil, errors.Wrap(ErrSecretClosed, err.Error())
		}

		return nil, err
	}

	return b, nil
}

// NewCryptoKey wraps key in a CryptoKey via factory. The caller's slice is
// wiped before this returns.
func NewCryptoKey(factory securebox.Factory, created int64, revoked bool, key []byte) (*CryptoKey, error) {
	var revokedInt uint32
	if revoked {
		revokedInt = 1
	}

	sec, err := factory.New(key)
	if err != nil {
		return nil, errors.Wrap(ErrSecretAllocationFailed, err.Error())
	}

	return &CryptoKey{
		created: created,
		revoked: revokedInt,
		secret:  sec,
	}, nil
}

// NewCryptoKeyForTest builds a CryptoKey with no backing secret, for tests
// that only need created/revoked bookkeeping.
func NewCryptoKeyForTest(created int64, revoked bool) *CryptoKey {
	var revokedInt uint32
	if revoked {
		revokedInt = 1
	}

	return &CryptoKey{
		created: created,
		revoked: revokedInt,
		secret:  nil,
	}
}

// GenerateKey creates a new random CryptoKey of the given size.
func GenerateKey(factory securebox.Factory, created int64, size int) (*CryptoKey, error) {
	sec, err := factory.CreateRandom(size)
	if err != nil {
		return nil, errors.Wrap(ErrSecretAllocationFailed, err.Error())
	}

	return &CryptoKey{
		created: created,
		revoked: 0,
		secret:  sec,
	}, nil
}

// BytesAccessor exposes scoped read access to key bytes.
type BytesAccessor interface {
	WithBytes(action func([]byte) error) error
}

// WithKey scopes access to key's bytes for the duration of action. A
// reference MUST NOT be kept to the bytes after action returns.
func WithKey(key BytesAccessor, action func([]byte) error) error {
	return key.WithBytes(action)
}

// BytesFuncAccessor exposes scoped read access that also returns a result.
type BytesFuncAccessor interface {
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)
}

// WithKeyFunc scopes access to key's bytes for the duration of action. A
// reference MUST NOT be kept to the bytes after action returns.
func WithKeyFunc(key BytesFuncAccessor, action func([]byte) ([]byte, error)) ([]byte, error) {
	return key.WithBytesFunc(action)
}

// Revokable is anything with revoked/created bookkeeping.
type Revokable interface {
	Revoked() bool
	Created() int64
}

// IsKeyInvalid reports whether key is revoked or expired.
func IsKeyInvalid(key Revokable, expireAfter time.Duration) bool {
	return key.Revoked() || IsKeyExpired(key.Created(), expireAfter)
}

// IsKeyExpired reports whether created is older than expireAfter.
func IsKeyExpired(created int64, expireAfter time.Duration) bool {
	return time.Now().After(time.Unix(created, 0).Add(expireAfter))
}
