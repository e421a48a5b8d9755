// Package encryption seals audit archives with AES-256-GCM before they
// leave the host.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidKey is returned when a configured key is empty or malformed.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrInvalidCiphertext is returned for truncated or malformed input.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrUnknownKeyVersion is returned when no retained key matches the
	// version stamped on the ciphertext.
	ErrUnknownKeyVersion = errors.New("unknown key version")

	// ErrDecryptionFailed is returned when authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Algorithm names the cipher used by Seal.
const Algorithm = "AES-256-GCM"

// hkdfInfo binds derived keys to this use.
var hkdfInfo = []byte("nids-responder audit archive v1")

// version byte + GCM nonce + GCM tag
const minSealedLen = 1 + 12 + 16

// Config holds archive encryption settings. Keys are base64 and may be
// secret references resolved at startup.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	Key        string `yaml:"key"`
	KeyVersion int    `yaml:"key_version"`
	// OldKeys keeps retired keys by version so older archives still open.
	OldKeys map[int]string `yaml:"old_keys,omitempty"`
}

// Validate checks that an enabled config carries a usable key.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.KeyVersion < 0 || c.KeyVersion > 255 {
		return fmt.Errorf("encryption: key_version must be in [0,255], got %d", c.KeyVersion)
	}
	if _, err := decodeKey(c.Key); err != nil {
		return err
	}
	for v, k := range c.OldKeys {
		if v == c.KeyVersion {
			return fmt.Errorf("encryption: old_keys repeats the current version %d", v)
		}
		if _, err := decodeKey(k); err != nil {
			return fmt.Errorf("encryption: old key %d: %w", v, err)
		}
	}
	return nil
}

// Sealer encrypts and decrypts whole archives.
type Sealer struct {
	mu         sync.RWMutex
	key        []byte
	keyVersion int
	oldKeys    map[int][]byte
	logger     *slog.Logger
}

// NewSealer builds a sealer from cfg. It does not check cfg.Enabled.
func NewSealer(cfg Config, logger *slog.Logger) (*Sealer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	master, err := decodeKey(cfg.Key)
	if err != nil {
		return nil, err
	}
	s := &Sealer{
		key:        deriveKey(master),
		keyVersion: cfg.KeyVersion,
		oldKeys:    make(map[int][]byte, len(cfg.OldKeys)),
		logger:     logger,
	}
	for v, k := range cfg.OldKeys {
		old, err := decodeKey(k)
		if err != nil {
			return nil, err
		}
		s.oldKeys[v] = deriveKey(old)
	}

	logger.Info("archive encryption enabled",
		"key_version", cfg.KeyVersion,
		"old_keys", len(cfg.OldKeys),
		"algorithm", Algorithm,
	)
	return s, nil
}

func decodeKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidKey)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64: %v", ErrInvalidKey, err)
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("%w: need at least 16 bytes, got %d", ErrInvalidKey, len(key))
	}
	return key, nil
}

// deriveKey stretches a master key to 32 bytes with HKDF-SHA256.
func deriveKey(master []byte) []byte {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, hkdfInfo), key); err != nil {
		// HKDF-SHA256 can emit far more than 32 bytes
		panic(err)
	}
	return key
}

// KeyVersion returns the version stamped on newly sealed data.
func (s *Sealer) KeyVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyVersion
}

// Seal encrypts plaintext. Output is [version:1][nonce][ciphertext+tag].
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	s.mu.RLock()
	key, version := s.key, s.keyVersion
	s.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("encryption: generate nonce: %w", err)
	}

	// the version byte is authenticated along with the ciphertext
	header := []byte{byte(version)}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, header), nil
}

// Open decrypts data produced by Seal with the current or a retained key.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if len(data) < minSealedLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidCiphertext, len(data))
	}
	version := int(data[0])

	s.mu.RLock()
	key := s.key
	if version != s.keyVersion {
		key = s.oldKeys[version]
	}
	s.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := data[1 : 1+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, data[1+gcm.NonceSize():], data[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: %w", err)
	}
	return cipher.NewGCM(block)
}

// RotateKey makes newMaster the sealing key under newVersion and retains
// the previous key for Open.
func (s *Sealer) RotateKey(newMaster []byte, newVersion int) error {
	if len(newMaster) < 16 {
		return fmt.Errorf("%w: need at least 16 bytes", ErrInvalidKey)
	}
	if newVersion > 255 {
		return fmt.Errorf("encryption: key version %d does not fit in a byte", newVersion)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if newVersion <= s.keyVersion {
		return fmt.Errorf("encryption: new version %d must be greater than %d", newVersion, s.keyVersion)
	}
	s.oldKeys[s.keyVersion] = s.key
	old := s.keyVersion
	s.key = deriveKey(newMaster)
	s.keyVersion = newVersion

	s.logger.Info("archive encryption key rotated",
		"old_version", old,
		"new_version", newVersion,
		"old_keys_retained", len(s.oldKeys),
	)
	return nil
}

// OldKeyVersions returns the retained versions in ascending order.
func (s *Sealer) OldKeyVersions() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := make([]int, 0, len(s.oldKeys))
	for v := range s.oldKeys {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

// GenerateKey returns a random 32-byte key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("encryption: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
