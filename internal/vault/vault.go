package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
)

var (
	ErrLocked       = errors.New("vault locked")
	ErrDisabled     = errors.New("vault disabled")
	ErrPassTooShort = errors.New("password too short")
)

// argon2id parameters (RFC 9106 second recommended option).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16
)

// SaltStore persists the key-derivation salt so the same passphrase yields
// the same key across restarts.
type SaltStore interface {
	SaveVaultSalt(ctx context.Context, salt []byte) error
	LoadVaultSalt(ctx context.Context) ([]byte, error)
}

// Vault encrypts provider credentials at rest with AES-256-GCM. The key is
// derived from an operator passphrase and held only in memory while unlocked.
type Vault struct {
	enabled bool
	salts   SaltStore

	mu     sync.RWMutex
	locked bool
	key    []byte
}

func New(enabled bool, salts SaltStore) *Vault {
	return &Vault{
		enabled: enabled,
		salts:   salts,
		locked:  true,
	}
}

func (v *Vault) Enabled() bool { return v.enabled }

func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.locked
}

// Unlock derives the key with argon2id. The salt is generated and persisted
// on first use.
func (v *Vault) Unlock(ctx context.Context, master []byte) error {
	if !v.enabled {
		return ErrDisabled
	}
	if len(master) < 8 {
		return ErrPassTooShort
	}
	salt, err := v.salt(ctx)
	if err != nil {
		return err
	}
	key := argon2.IDKey(master, salt, argonTime, argonMemory, argonThreads, keyLen)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.locked = false
	return nil
}

func (v *Vault) salt(ctx context.Context) ([]byte, error) {
	if v.salts == nil {
		return nil, errors.New("vault: no salt store")
	}
	salt, err := v.salts.LoadVaultSalt(ctx)
	if err != nil {
		return nil, fmt.Errorf("load vault salt: %w", err)
	}
	if len(salt) > 0 {
		return salt, nil
	}
	salt = make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := v.salts.SaveVaultSalt(ctx, salt); err != nil {
		return nil, fmt.Errorf("save vault salt: %w", err)
	}
	return salt, nil
}

func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.locked = true
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	if v.locked {
		return nil, ErrLocked
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

func (v *Vault) Decrypt(encoded string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, data := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	return gcm.Open(nil, nonce, data, nil)
}
