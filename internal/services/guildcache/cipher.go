package guildcache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	keyLen        = 32
	nonceSize     = 12
)

// Fixed so every instance sharing the password derives the same key
var keySalt = []byte("stagehand/guild-cache/v1")

var errCiphertextTooShort = errors.New("ciphertext too short")

// Cipher seals cookie payloads with AES-256-GCM
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the key from password once with Argon2id
func NewCipher(password string) (*Cipher, error) {
	if password == "" {
		return nil, errors.New("cookie encryption password is empty")
	}

	key := argon2.IDKey([]byte(password), keySalt, argon2Time, argon2Memory, argon2Threads, keyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Seal returns base64url(nonce || ciphertext || tag). additional is
// authenticated but not encrypted and must be passed unchanged to Open.
func (c *Cipher) Seal(plaintext, additional []byte) (string, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, additional)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Any modification of the blob or of additional fails
// authentication.
func (c *Cipher) Open(blob string, additional []byte) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode blob: %w", err)
	}
	if len(sealed) < nonceSize+c.aead.Overhead() {
		return nil, errCiphertextTooShort
	}

	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], additional)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
