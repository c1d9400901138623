package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "this-is-a-very-long-test-secret-key-for-encryption-testing"

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	enc, err := newEncryptor(testSecret)
	require.NoError(t, err)
	require.True(t, enc.enabled())

	testCases := []struct {
		name      string
		plaintext string
	}{
		{"simple text", "hello world"},
		{"empty string", ""},
		{"unicode text", "Zoë Müller 🎫"},
		{"email", "ann@example.com"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tc.plaintext)
			require.NoError(t, err)

			if tc.plaintext == "" {
				assert.Equal(t, "", ciphertext)
				return
			}
			assert.NotEqual(t, tc.plaintext, ciphertext)

			decrypted, err := enc.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, decrypted)
		})
	}
}

func TestEncryptor_RandomNonce(t *testing.T) {
	enc, err := newEncryptor(testSecret)
	require.NoError(t, err)

	a, err := enc.Encrypt("same")
	require.NoError(t, err)
	b, err := enc.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "Same plaintext should produce different ciphertexts due to random nonces")
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := newEncryptor("")
	require.NoError(t, err)
	assert.False(t, enc.enabled())

	out, err := enc.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}

func TestEncryptor_ShortSecret(t *testing.T) {
	_, err := newEncryptor("short")
	assert.Error(t, err)
}

func TestEncryptor_DecryptErrors(t *testing.T) {
	enc, err := newEncryptor(testSecret)
	require.NoError(t, err)

	_, err = enc.Decrypt("not base64!")
	assert.Error(t, err)

	_, err = enc.Decrypt("YWJj")
	assert.Error(t, err, "too short")

	other, err := newEncryptor(testSecret + "-other")
	require.NoError(t, err)
	sealed, err := other.Encrypt("secret")
	require.NoError(t, err)
	_, err = enc.Decrypt(sealed)
	assert.Error(t, err, "wrong key")
}
