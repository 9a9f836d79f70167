// Package crypto seals chat messages with a per-room symmetric key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the room key length (AES-256).
const KeySize = 32

// ErrDecrypt is returned when a ciphertext cannot be opened with the given key and IV.
var ErrDecrypt = errors.New("failed to decrypt message")

// Sealed is an encrypted payload with the nonce needed to open it, both base64.
type Sealed struct {
	Ciphertext string
	IV         string
}

// NewKey returns a fresh random room key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate room key: %w", err)
	}
	return key, nil
}

// EncryptAESGCM encrypts plaintext using AES-GCM mode with the provided key.
// It returns the ciphertext and the Initialization Vector (IV).
func EncryptAESGCM(key, plaintext []byte) (ciphertext, iv []byte, err error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aesGCM.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// DecryptAESGCM decrypts ciphertext using AES-GCM mode with the provided key and IV.
func DecryptAESGCM(key, ciphertext, iv []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aesGCM.NonceSize() {
		return nil, fmt.Errorf("%w: bad iv length %d", ErrDecrypt, len(iv))
	}

	plaintext, err := aesGCM.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return aesGCM, nil
}

// Encrypt seals plaintext with key and base64-encodes the result for storage.
func Encrypt(plaintext string, key []byte) (Sealed, error) {
	ct, iv, err := EncryptAESGCM(key, []byte(plaintext))
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// Decrypt opens a stored payload. Any malformed input is reported as ErrDecrypt.
func Decrypt(ciphertext, iv string, key []byte) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrDecrypt, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("%w: iv: %v", ErrDecrypt, err)
	}
	plaintext, err := DecryptAESGCM(key, ct, nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
