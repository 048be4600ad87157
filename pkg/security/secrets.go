package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/tesslate/studio/pkg/types"
)

// SecretsManager seals and opens project env var values with AES-256-GCM
type SecretsManager struct {
	key []byte // 32 bytes
}

// NewSecretsManager creates a secrets manager with the given encryption key
// The key must be 32 bytes for AES-256-GCM
func NewSecretsManager(key []byte) (*SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &SecretsManager{key: key}, nil
}

// NewSecretsManagerFromBase64 decodes a base64 master key from config
func NewSecretsManagerFromBase64(encoded string) (*SecretsManager, error) {
	if encoded == "" {
		return nil, fmt.Errorf("master key cannot be empty")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	return NewSecretsManager(key)
}

// NewSecretsManagerFromPassword derives the key from a password with SHA-256.
// Intended for dev setups without a generated master key.
func NewSecretsManagerFromPassword(password string) (*SecretsManager, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	hash := sha256.Sum256([]byte(password))
	return NewSecretsManager(hash[:])
}

// Encrypt encrypts plaintext using AES-256-GCM
// Returns ciphertext with the nonce prepended
func (sm *SecretsManager) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(sm.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt
// Expects the nonce to be prepended to the ciphertext
func (sm *SecretsManager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(sm.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Seal builds a sealed Secret row from a plaintext env var value
func (sm *SecretsManager) Seal(name string, value []byte) (*types.Secret, error) {
	if name == "" {
		return nil, fmt.Errorf("secret name cannot be empty")
	}
	sealed, err := sm.Encrypt(value)
	if err != nil {
		return nil, fmt.Errorf("failed to seal secret %s: %w", name, err)
	}
	now := time.Now()
	return &types.Secret{
		Name:      name,
		Data:      sealed,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Open decrypts a sealed Secret row back to its plaintext value
func (sm *SecretsManager) Open(secret *types.Secret) ([]byte, error) {
	if secret == nil {
		return nil, fmt.Errorf("secret cannot be nil")
	}
	value, err := sm.Decrypt(secret.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret %s: %w", secret.Name, err)
	}
	return value, nil
}

// EnvValues opens a set of sealed secrets into NAME=value pairs for
// injection into a container's environment
func (sm *SecretsManager) EnvValues(secrets []*types.Secret) ([]string, error) {
	env := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		value, err := sm.Open(secret)
		if err != nil {
			return nil, err
		}
		env = append(env, secret.Name+"="+string(value))
	}
	return env, nil
}

// GenerateMasterKey produces a fresh base64 key for config bootstrap
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
