// Package aead implements the AEAD primitive envelope encryption seals the
// data key and payload with. The primitive is fixed by design: AES-256-GCM
// with a 12-byte random nonce and 16-byte authentication tag, so this
// package has no pluggable cipher surface.
package aead

import (
	"crypto/cipher"
	"crypto/rand"
	"runtime"

	"github.com/pkg/errors"
)

const (
	gcmNonceSize   = 12
	gcmTagSize     = 16
	gcmMaxDataSize = (1 << 32) - 1
)

type cryptoFunc func(key []byte) (cipher.AEAD, error)

// Encrypt seals data under encKey, appending a random nonce after the
// ciphertext-and-tag.
func (c cryptoFunc) Encrypt(data, encKey []byte) ([]byte, error) {
	aeadCipher, err := c(encKey)
	if err != nil {
		return nil, err
	}

	if len(data) > gcmMaxDataSize {
		return nil, errors.New("data too large for GCM")
	}

	if gcmTagSize != aeadCipher.Overhead() {
		return nil, errors.New("unexpected cipher overhead")
	}

	if gcmNonceSize != aeadCipher.NonceSize() {
		return nil, errors.New("unexpected cipher nonce size")
	}

	size := len(data) + gcmTagSize + gcmNonceSize

	cipherAndNonce := make([]byte, size)
	noncePos := len(cipherAndNonce) - aeadCipher.NonceSize()

	fillRandom(cipherAndNonce[noncePos:])

	aeadCipher.Seal(cipherAndNonce[:0], cipherAndNonce[noncePos:], data, nil)

	return cipherAndNonce, nil
}

// Decrypt opens data, which must be in the cipherAndNonce layout Encrypt
// produces, under key.
func (c cryptoFunc) Decrypt(data, key []byte) ([]byte, error) {
	aeadCipher, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(data) < aeadCipher.NonceSize() {
		return nil, errors.New("data length is shorter than nonce size")
	}

	noncePos := len(data) - aeadCipher.NonceSize()

	// Open writes the plaintext into a new slice rather than reusing the
	// ciphertext's storage, so data is left unchanged.
	d, err := aeadCipher.Open(nil, data[noncePos:], data[:noncePos], nil)

	return d, errors.Wrap(err, "error decrypting data")
}

// fillRandom overwrites buf with cryptographically-secure random bytes.
func fillRandom(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}

	// Prevents dead-store elimination for callers that only want the backing
	// array randomized. See https://github.com/golang/go/issues/33325.
	runtime.KeepAlive(buf)
}
