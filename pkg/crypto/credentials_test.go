package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test key generated with: openssl rand -base64 32
const testKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM=" // "test-key-for-unit-tests-32-bytes"

func TestNewCredentialEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"valid 32-byte base64 key", testKey, nil},
		{"empty key", "", ErrInvalidKey},
		{"passphrase", "my-simple-passphrase", nil},
		{"short base64 key", base64.StdEncoding.EncodeToString([]byte("sixteen-byte-key")), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewCredentialEncryptor(tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, enc)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, enc)
		})
	}
}

func TestPassphraseKeyConsistency(t *testing.T) {
	a, err := NewCredentialEncryptor("shared passphrase")
	require.NoError(t, err)
	b, err := NewCredentialEncryptor("shared passphrase")
	require.NoError(t, err)

	ct, err := a.Encrypt("itanji-password")
	require.NoError(t, err)
	pt, err := b.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "itanji-password", pt)
}

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewCredentialEncryptor(testKey)
	require.NoError(t, err)

	for _, plaintext := range []string{"", "a", "パスワード123", strings.Repeat("x", 4096)} {
		ct, err := enc.Encrypt(plaintext)
		require.NoError(t, err)
		if plaintext == "" {
			assert.Empty(t, ct)
			continue
		}
		assert.NotEqual(t, plaintext, ct)

		pt, err := enc.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, pt)
	}
}

func TestEncryptProducesUniqueNonces(t *testing.T) {
	enc, err := NewCredentialEncryptor(testKey)
	require.NoError(t, err)

	a, err := enc.Encrypt("same")
	require.NoError(t, err)
	b, err := enc.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptWithWrongKey(t *testing.T) {
	enc1, err := NewCredentialEncryptor(testKey)
	require.NoError(t, err)
	enc2, err := NewCredentialEncryptor("different key")
	require.NoError(t, err)

	ct, err := enc1.Encrypt("secret")
	require.NoError(t, err)
	_, err = enc2.Decrypt(ct)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptInvalidInput(t *testing.T) {
	enc, err := NewCredentialEncryptor(testKey)
	require.NoError(t, err)

	for _, input := range []string{"not-base64!!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, err := enc.Decrypt(input)
		assert.True(t, errors.Is(err, ErrDecryptionFailed), input)
	}
}

func TestSealOpen(t *testing.T) {
	enc, err := NewCredentialEncryptor(testKey)
	require.NoError(t, err)

	sealed, err := enc.Seal("es-square-pass")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))

	opened, err := enc.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "es-square-pass", opened)

	plain, err := enc.Open("not-sealed")
	require.NoError(t, err)
	assert.Equal(t, "not-sealed", plain)

	empty, err := enc.Seal("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
