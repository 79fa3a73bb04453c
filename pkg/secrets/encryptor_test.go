package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor("test-passphrase")
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple password", "s3cret"},
		{"empty password", ""},
		{"unicode password", "пароль-密码"},
		{"long password", string(make([]byte, 4096))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tt.plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, tt.plaintext, ciphertext)

			decrypted, err := enc.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestEncryptor_NonceUniqueness(t *testing.T) {
	enc, err := NewEncryptor("test-passphrase")
	require.NoError(t, err)

	first, err := enc.Encrypt("same input")
	require.NoError(t, err)
	second, err := enc.Encrypt("same input")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestEncryptor_WrongPassphrase(t *testing.T) {
	enc, err := NewEncryptor("correct-passphrase")
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("payload")
	require.NoError(t, err)

	other, err := NewEncryptor("wrong-passphrase")
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestEncryptor_InvalidInput(t *testing.T) {
	enc, err := NewEncryptor("test-passphrase")
	require.NoError(t, err)

	_, err = enc.Decrypt("not base64 at all!!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = enc.Decrypt("YWJj")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewEncryptor_EmptyPassphrase(t *testing.T) {
	_, err := NewEncryptor("")
	assert.Error(t, err)
}
