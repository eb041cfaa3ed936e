package secrets

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwicho38/lsh/internal/domain"
)

const testHexKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func sampleSecrets() []domain.Secret {
	return []domain.Secret{
		{Key: "DATABASE_URL", Value: "postgres://localhost/app", Description: "primary db"},
		{Key: "API_TOKEN", Value: "tok-ünïcode-🔑", Tags: []string{"external"}},
	}
}

func TestDeriveKeyHex(t *testing.T) {
	raw, err := DeriveKey(testHexKey)
	require.NoError(t, err)
	require.Len(t, raw, 32)

	expected, _ := hex.DecodeString(testHexKey)
	assert.Equal(t, expected, raw)
}

func TestDeriveKeyPassphrase(t *testing.T) {
	raw, err := DeriveKey("correct horse battery staple")
	require.NoError(t, err)
	require.Len(t, raw, 32)

	// Deterministic for a pinned salt and iteration count.
	again, err := DeriveKey("correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, raw, again)

	other, err := DeriveKey("a different passphrase")
	require.NoError(t, err)
	assert.NotEqual(t, raw, other)
}

func TestDeriveKeyEmpty(t *testing.T) {
	_, err := DeriveKey("")
	require.Error(t, err)
	assert.Equal(t, domain.KindEncryptionFailure, domain.KindOf(err))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"hex key", testHexKey},
		{"passphrase key", "hunter2-but-longer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope, err := Encrypt(sampleSecrets(), tt.key)
			require.NoError(t, err)

			parts := strings.SplitN(envelope, ":", 2)
			require.Len(t, parts, 2)
			iv, err := hex.DecodeString(parts[0])
			require.NoError(t, err)
			assert.Len(t, iv, 16)

			got, err := Decrypt(envelope, tt.key)
			require.NoError(t, err)
			assert.Equal(t, sampleSecrets(), got)
		})
	}
}

func TestEncryptFreshIVPerBundle(t *testing.T) {
	a, err := Encrypt(sampleSecrets(), testHexKey)
	require.NoError(t, err)
	b, err := Encrypt(sampleSecrets(), testHexKey)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncryptEmptyBundle(t *testing.T) {
	envelope, err := Encrypt(nil, testHexKey)
	require.NoError(t, err)

	got, err := Decrypt(envelope, testHexKey)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecryptWrongKey(t *testing.T) {
	envelope, err := Encrypt(sampleSecrets(), testHexKey)
	require.NoError(t, err)

	otherKey := "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210"
	_, err = Decrypt(envelope, otherKey)
	require.Error(t, err)
	assert.Equal(t, domain.KindDecryptionFailure, domain.KindOf(err))

	// Secret material must never leak into the error.
	for _, s := range sampleSecrets() {
		assert.NotContains(t, err.Error(), s.Value)
	}
	assert.NotContains(t, err.Error(), otherKey)
}

func TestDecryptMalformedEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		envelope string
	}{
		{"missing separator", "deadbeef"},
		{"non-hex iv", "zzzz:deadbeef"},
		{"short iv", "dead:" + strings.Repeat("ab", 32)},
		{"non-hex ciphertext", strings.Repeat("ab", 16) + ":nothex"},
		{"empty ciphertext", strings.Repeat("ab", 16) + ":"},
		{"ragged ciphertext", strings.Repeat("ab", 16) + ":" + strings.Repeat("ab", 17)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.envelope, testHexKey)
			require.Error(t, err)
			assert.Equal(t, domain.KindDecryptionFailure, domain.KindOf(err))
		})
	}
}

func TestDecryptCorruptedCiphertext(t *testing.T) {
	envelope, err := Encrypt(sampleSecrets(), testHexKey)
	require.NoError(t, err)

	// Flip the final hex digit so the last padded block decrypts to garbage.
	corrupted := envelope[:len(envelope)-1]
	if strings.HasSuffix(envelope, "0") {
		corrupted += "1"
	} else {
		corrupted += "0"
	}

	_, err = Decrypt(corrupted, testHexKey)
	require.Error(t, err)
	assert.Equal(t, domain.KindDecryptionFailure, domain.KindOf(err))
}

func TestPKCS7(t *testing.T) {
	for size := range 40 {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i)
		}
		padded := pkcs7Pad(data, 16)
		require.Zero(t, len(padded)%16)
		got, ok := pkcs7Unpad(padded, 16)
		require.True(t, ok)
		assert.Equal(t, data, got)
	}

	_, ok := pkcs7Unpad([]byte{}, 16)
	assert.False(t, ok)
	_, ok = pkcs7Unpad(append(make([]byte, 15), 0), 16)
	assert.False(t, ok)
	_, ok = pkcs7Unpad(append(make([]byte, 15), 17), 16)
	assert.False(t, ok)
}
