package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrMissingKey       = errors.New("secrets encryption key is required")
	ErrInvalidFormat    = errors.New("invalid encrypted secret format")
	ErrDecryptionFailed = errors.New("secret decryption failed")
	ErrMissingSecret    = errors.New("missing required secret")
)

// MissingSecretError names the secret that could not be resolved.
type MissingSecretError struct{ Name string }

func (e *MissingSecretError) Error() string { return fmt.Sprintf("missing required value: %s", e.Name) }

func (e *MissingSecretError) Unwrap() error { return ErrMissingSecret }

// KeyCache maps raw operator secrets to derived 32-byte keys for the life of
// the process. One instance is shared by every vault built from it.
type KeyCache struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func NewKeyCache() *KeyCache { return &KeyCache{keys: make(map[string][]byte)} }

func (c *KeyCache) derive(secret string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[secret]; ok {
		return k
	}
	sum := sha256.Sum256([]byte(secret))
	k := sum[:]
	c.keys[secret] = k
	return k
}

// Len reports how many distinct secrets have been derived.
func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

type Vault struct {
	cache *KeyCache
}

func New(cache *KeyCache) *Vault {
	if cache == nil {
		cache = NewKeyCache()
	}
	return &Vault{cache: cache}
}

func (v *Vault) aead(key string) (cipher.AEAD, error) {
	secret := strings.TrimSpace(key)
	if secret == "" {
		return nil, ErrMissingKey
	}
	return chacha20poly1305.New(v.cache.derive(secret))
}

// Encrypt seals plaintext under a fresh random nonce and returns
// base64(nonce) + "." + base64(ciphertext).
func (v *Vault) Encrypt(plaintext, key string) (string, error) {
	a, err := v.aead(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, a.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := a.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(nonce) + "." + base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) Decrypt(ciphertext, key string) (string, error) {
	a, err := v.aead(key)
	if err != nil {
		return "", err
	}
	parts := strings.Split(ciphertext, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ErrInvalidFormat
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != a.NonceSize() {
		return "", ErrInvalidFormat
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidFormat
	}
	plain, err := a.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Resolve returns the first non-blank of supplied, stored and fallbacks. An
// explicitly supplied value always wins over the stored one.
func Resolve(name, supplied, stored string, fallbacks ...string) (string, error) {
	if v := strings.TrimSpace(supplied); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(stored); v != "" {
		return v, nil
	}
	for _, f := range fallbacks {
		if v := strings.TrimSpace(f); v != "" {
			return v, nil
		}
	}
	return "", &MissingSecretError{Name: name}
}
