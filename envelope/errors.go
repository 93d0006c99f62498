package envelope

import (
	"github.com/pkg/errors"

	"github.com/lockboxhq/envelope/envelope/internal"
)

// Sentinel error kinds. Callers should compare against these with
// errors.Is; the underlying error returned always carries a wrapped cause
// via github.com/pkg/errors for diagnostics.
var (
	// ErrSecretAllocationFailed indicates a securebox.Secret could not be
	// allocated (e.g. the platform refused a memory lock). CryptoKey
	// construction wraps the securebox.Factory failure onto this sentinel,
	// so callers can detect it with errors.Is regardless of which
	// securebox engine is in use.
	ErrSecretAllocationFailed = internal.ErrSecretAllocationFailed

	// ErrSecretClosed indicates an operation was attempted against a
	// securebox.Secret that has already been closed. CryptoKey's
	// WithBytes/WithBytesFunc wrap the underlying securebox error onto
	// this sentinel whenever the secret reports itself closed.
	ErrSecretClosed = internal.ErrSecretClosed

	// ErrMetastoreFailure indicates a Metastore Load/LoadLatest/Store call
	// failed for a reason other than a benign duplicate insert.
	ErrMetastoreFailure = errors.New("metastore operation failed")

	// ErrKmsFailure indicates a KeyManagementService Encrypt/DecryptKey call
	// failed. It is never retried automatically.
	ErrKmsFailure = errors.New("kms operation failed")

	// ErrMetadataMissing indicates a DataRowRecord or key chain referenced
	// metadata (a system or intermediate key) that could not be located.
	ErrMetadataMissing = errors.New("required key metadata is missing")

	// ErrDecryptionFailed indicates an AEAD open failed, most commonly due to
	// tampered ciphertext or the wrong key.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidConfiguration indicates a CryptoPolicy/Config/SessionFactory
	// was built with an invalid combination of options.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)
