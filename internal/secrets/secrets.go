// Package secrets encrypts and decrypts environment-scoped secret
// bundles. A bundle is a JSON array of secrets wrapped in an
// AES-256-CBC envelope keyed by a caller-supplied key.
package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/gwicho38/lsh/internal/domain"
)

// Key derivation parameters. Changing either value is a format-version
// bump: bundles written under the old parameters stop decrypting.
const (
	// KeySalt is the fixed PBKDF2 salt for passphrase-derived keys.
	KeySalt = "lsh-secret-sync-salt-v1"
	// KeyIterations is the PBKDF2 iteration count.
	KeyIterations = 100_000
)

const (
	keyBytes = 32
	ivBytes  = aes.BlockSize
)

// decryptHint enumerates common causes of a failed decrypt. It must
// never be joined with key or ciphertext material.
const decryptHint = "wrong key, bundle encrypted with different key derivation parameters, or corrupted ciphertext"

// DeriveKey turns a caller-supplied key into 32 raw bytes. A 64-char
// hex string is used verbatim; anything else goes through
// PBKDF2-HMAC-SHA256 with the pinned salt and iteration count.
func DeriveKey(key string) ([]byte, error) {
	if key == "" {
		return nil, domain.E(domain.KindEncryptionFailure, "secret key is required (set LSH_MASTER_KEY or pass --key)")
	}
	if len(key) == keyBytes*2 {
		if raw, err := hex.DecodeString(key); err == nil {
			return raw, nil
		}
	}
	return pbkdf2.Key([]byte(key), []byte(KeySalt), KeyIterations, keyBytes, sha256.New), nil
}

// Encrypt serializes the secrets as a JSON array and seals them with
// AES-256-CBC under a fresh IV. The envelope is hex(iv) ":" hex(ct).
func Encrypt(secretList []domain.Secret, key string) (string, error) {
	raw, err := DeriveKey(key)
	if err != nil {
		return "", err
	}

	if secretList == nil {
		secretList = []domain.Secret{}
	}
	plaintext, err := json.Marshal(secretList)
	if err != nil {
		return "", domain.WrapErr(domain.KindEncryptionFailure, err, "failed to serialize secret bundle")
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return "", domain.WrapErr(domain.KindEncryptionFailure, err, "failed to initialize cipher")
	}

	iv := make([]byte, ivBytes)
	if _, err := rand.Read(iv); err != nil {
		return "", domain.WrapErr(domain.KindEncryptionFailure, err, "failed to generate IV")
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens an envelope produced by Encrypt. Error messages carry a
// hint about common causes but never the key or ciphertext.
func Decrypt(envelope, key string) ([]domain.Secret, error) {
	raw, err := DeriveKey(key)
	if err != nil {
		return nil, domain.E(domain.KindDecryptionFailure, "secret key is required")
	}

	sep := strings.IndexByte(envelope, ':')
	if sep < 0 {
		return nil, domain.E(domain.KindDecryptionFailure, "invalid envelope: missing IV separator")
	}
	iv, err := hex.DecodeString(envelope[:sep])
	if err != nil || len(iv) != ivBytes {
		return nil, domain.E(domain.KindDecryptionFailure, "invalid envelope: IV is not %d hex-encoded bytes", ivBytes)
	}
	ciphertext, err := hex.DecodeString(envelope[sep+1:])
	if err != nil {
		return nil, domain.E(domain.KindDecryptionFailure, "invalid envelope: ciphertext is not hex encoded")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, domain.E(domain.KindDecryptionFailure, "invalid envelope: ciphertext length is not a multiple of the block size")
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, domain.WrapErr(domain.KindDecryptionFailure, err, "failed to initialize cipher")
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, ok := pkcs7Unpad(padded, aes.BlockSize)
	if !ok {
		return nil, domain.E(domain.KindDecryptionFailure, "decryption failed: %s", decryptHint)
	}

	var secretList []domain.Secret
	if err := json.Unmarshal(plaintext, &secretList); err != nil {
		return nil, domain.E(domain.KindDecryptionFailure, "decryption failed: %s", decryptHint)
	}
	return secretList, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
