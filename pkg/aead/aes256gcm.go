package aead

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/lockboxhq/envelope/envelope"
)

// aesGCMCipherFactory returns an AEAD cipher using AES/GCM.
func aesGCMCipherFactory(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// NewAES256GCM returns the envelope.AEAD implementation used to seal data
// keys and payloads: AES-256-GCM with a 12-byte nonce and 16-byte tag.
func NewAES256GCM() envelope.AEAD {
	return cryptoFunc(aesGCMCipherFactory)
}
