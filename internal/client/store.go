// Package client is the desktop-side SDK: an encrypted local store for
// license state, a typed HTTP client for the license API, and the
// revalidation scheduler that decides when to go online and when the
// offline token carries the session.
package client

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Store keys. The store is a flat string key/value space.
const (
	KeyAuthToken         = "auth_token"
	KeyTokenExpiry       = "token_expiry"
	KeyUserEmail         = "user_email"
	KeyMachineID         = "machine_id"
	KeyMachineComponents = "machine_components"
	KeyLicenseData       = "license_data"
	KeyLastValidation    = "last_validation"
	KeyPendingEmail      = "pending_email"
)

// ErrKeyNotFound is returned by Get for an absent key.
var ErrKeyNotFound = errors.New("store: key not found")

// scrypt parameters. N is interactive-strength; the store guards cached
// license state, not long-term secrets.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

var storeSalt = []byte("gigdesk-license-store-v1")

// Store is an encrypted JSON key/value file. Values are sealed with
// AES-256-GCM under a key derived from the machine fingerprint, so the
// file is useless when copied to another machine.
type Store struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
}

// NewStore opens or creates the store at path, deriving the encryption
// key from machineID.
func NewStore(path, machineID string) (*Store, error) {
	key, err := scrypt.Key([]byte(machineID), storeSalt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("store: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("store: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: gcm: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	return &Store{path: path, aead: aead}, nil
}

// Get returns the value for key, or ErrKeyNotFound.
func (s *Store) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return "", err
	}
	value, ok := data[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// Set writes key=value and persists the store.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	data[key] = value
	return s.save(data)
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	delete(data, key)
	return s.save(data)
}

// Clear removes all stored values.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(map[string]string{})
}

// load reads and decrypts the store file. A missing file is an empty
// store; a corrupt or foreign-machine file fails closed.
func (s *Store) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, errors.New("store: file truncated")
	}

	plaintext, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt: %w", err)
	}

	var data map[string]string
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("store: decode: %w", err)
	}
	return data, nil
}

func (s *Store) save(data map[string]string) error {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("store: nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("store: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
