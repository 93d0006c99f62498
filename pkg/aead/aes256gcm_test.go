package aead

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keySize = 32

var aes256GCMCrypto = NewAES256GCM()

func randomKey(t *testing.T) []byte {
	t.Helper()

	key := make([]byte, keySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	return key
}

func Test_AESCipherFactory(t *testing.T) {
	c, err := aesGCMCipherFactory(make([]byte, keySize))
	assert.NoError(t, err)
	assert.NotNil(t, c)

	// standard GCM nonce size
	assert.Equal(t, 12, c.NonceSize())

	// GCM uses a 128-bit authentication tag
	assert.Equal(t, 128/8, c.Overhead())
}

func Test_AESCipherFactory_InvalidKeyLength(t *testing.T) {
	c, err := aesGCMCipherFactory(make([]byte, keySize-1))
	if assert.Error(t, err) {
		assert.Nil(t, c)
	}
}

func Test_AESCipherFactory_Decrypt_DataLessThanNonceSize(t *testing.T) {
	key := randomKey(t)

	res, err := aes256GCMCrypto.Decrypt(make([]byte, 1), key)
	assert.Error(t, err)
	assert.Nil(t, res)
}

func TestAES256GCM_EncryptDecrypt(t *testing.T) {
	payload := []byte("some secret string")
	key := randomKey(t)

	encBytes, err := aes256GCMCrypto.Encrypt(payload, key)
	require.NoError(t, err)

	decBytes, err := aes256GCMCrypto.Decrypt(encBytes, key)
	require.NoError(t, err)

	assert.Equal(t, payload, decBytes)
}

func TestAES256GCM_EncryptDecrypt_VerifyOutputSize(t *testing.T) {
	key := randomKey(t)

	c, err := aesGCMCipherFactory(key)
	require.NoError(t, err)

	blockSize := c.Overhead()
	nonceByteSize := c.NonceSize()

	for i := 1; i < 1024; i++ {
		payload := make([]byte, i)

		encBytes, err := aes256GCMCrypto.Encrypt(payload, key)
		require.NoError(t, err)
		assert.Equal(t, i+blockSize+nonceByteSize, len(encBytes))
	}
}
