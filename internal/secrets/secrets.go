// Package secrets encrypts settings values at rest. Values are sealed with
// AES-256-GCM under a key derived per value: PBKDF2-SHA256 over machine
// material (or an explicit master key) with a random per-value salt. The
// stored form is a self-describing single-line ASCII envelope, so plaintext
// written before encryption existed can be detected and passed through.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// EnvelopePrefix marks an encrypted value. Anything without it is plaintext.
const EnvelopePrefix = "ENC:v1:"

// MasterKeyEnv overrides key derivation with an explicit base64 32-byte key.
const MasterKeyEnv = "VALET_MASTER_KEY"

const (
	saltSize   = 16
	keySize    = 32
	iterations = 100_000
)

var (
	// ErrMalformedEnvelope reports an ENC:v1 value that does not parse.
	ErrMalformedEnvelope = errors.New("secrets: malformed envelope")

	// ErrDecrypt reports a parseable envelope that fails authentication,
	// typically because it was sealed on another install.
	ErrDecrypt = errors.New("secrets: decryption failed")
)

// Keeper seals and opens envelopes. Safe for concurrent use.
type Keeper struct {
	material []byte
}

// Open builds a Keeper. The key material is, in order of preference: the
// MasterKeyEnv override (base64, exactly 32 bytes), else machine identifiers
// mixed with the per-install salt at saltPath. The salt file is created with
// 16 random bytes on first use.
func Open(saltPath string) (*Keeper, error) {
	if encoded := os.Getenv(MasterKeyEnv); encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("secrets: decode %s: %w", MasterKeyEnv, err)
		}
		if len(key) != keySize {
			return nil, fmt.Errorf("secrets: %s must be %d bytes, got %d", MasterKeyEnv, keySize, len(key))
		}
		return &Keeper{material: key}, nil
	}

	installSalt, err := loadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "valet"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	material := make([]byte, 0, len(hostname)+len(home)+len(installSalt)+2)
	material = append(material, hostname...)
	material = append(material, '|')
	material = append(material, home...)
	material = append(material, '|')
	material = append(material, installSalt...)

	return &Keeper{material: material}, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("secrets: salt file %s has %d bytes, want %d", path, len(salt), saltSize)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secrets: read salt file: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("secrets: generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("secrets: create salt dir: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("secrets: write salt file: %w", err)
	}
	return salt, nil
}

// Encrypt seals plaintext into an envelope. Every call draws a fresh salt
// and nonce, so equal plaintexts produce distinct envelopes.
func (k *Keeper) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("secrets: salt: %w", err)
	}

	gcm, err := k.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	b64 := base64.StdEncoding
	return EnvelopePrefix +
		b64.EncodeToString(salt) + ":" +
		b64.EncodeToString(nonce) + ":" +
		b64.EncodeToString(ciphertext), nil
}

// Decrypt opens an envelope. Values without the envelope prefix are returned
// unchanged: settings written before encryption was introduced stay readable.
func (k *Keeper) Decrypt(value string) (string, error) {
	if !IsEnvelope(value) {
		return value, nil
	}

	rest := strings.TrimPrefix(value, EnvelopePrefix)
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return "", ErrMalformedEnvelope
	}

	b64 := base64.StdEncoding
	salt, err := b64.DecodeString(parts[0])
	if err != nil || len(salt) != saltSize {
		return "", ErrMalformedEnvelope
	}
	nonce, err := b64.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	ciphertext, err := b64.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformedEnvelope
	}

	gcm, err := k.aead(salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", ErrMalformedEnvelope
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

func (k *Keeper) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(k.material, salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: new gcm: %w", err)
	}
	return gcm, nil
}

// IsEnvelope reports whether value carries the encrypted-envelope prefix.
func IsEnvelope(value string) bool {
	return strings.HasPrefix(value, EnvelopePrefix)
}
