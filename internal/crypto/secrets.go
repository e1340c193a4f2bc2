package crypto

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	apperrors "licensor/internal/errors"
)

// ErrKeyManagement marks secrets-file failures: missing, corrupt, or
// undecryptable material.
var ErrKeyManagement = apperrors.ErrKeyManagement

// Secrets holds the process-wide signing material and the API key clients
// present to the licensing server. Initialized once, read-only afterwards.
type Secrets struct {
	PublicKey  *rsa.PublicKey
	PrivateKey *rsa.PrivateKey
	APIKey     string
}

// secretsFile is the on-disk JSON layout inside the encrypted secrets file.
type secretsFile struct {
	PublicKey     string `json:"PublicKey"`
	PrivateKey    string `json:"PrivateKey"`
	EncryptionKey string `json:"EncryptionKey"`
	ApiKey        string `json:"ApiKey"`
}

var (
	processSecrets *Secrets
	secretsOnce    sync.Once
)

// InitSecrets installs the process-wide secrets. Repeat calls are no-ops;
// the first writer wins.
func InitSecrets(s *Secrets) *Secrets {
	secretsOnce.Do(func() { processSecrets = s })
	return processSecrets
}

// ProcessSecrets returns the installed secrets, or nil before InitSecrets.
func ProcessSecrets() *Secrets { return processSecrets }

// NewSecrets generates a fresh RSA keypair and API key.
func NewSecrets(bits int) (*Secrets, error) {
	priv, err := GenerateKeyPair(bits)
	if err != nil {
		return nil, err
	}
	return &Secrets{
		PublicKey:  &priv.PublicKey,
		PrivateKey: priv,
		APIKey:     uuid.NewString(),
	}, nil
}

// passphraseIV is the fixed IV for the secrets file. Each file encrypts
// exactly one plaintext under a key derived from a unique passphrase, so the
// IV never repeats for a given key.
var passphraseIV = make([]byte, IVSize)

// SaveSecretsFile writes secrets to path, AES-256-CBC encrypted under
// SHA-256(passphrase).
func SaveSecretsFile(path, passphrase string, s *Secrets) error {
	if s == nil || s.PrivateKey == nil {
		return fmt.Errorf("%w: no secrets to save", ErrKeyManagement)
	}

	payload := secretsFile{
		PublicKey:  MarshalPublicKey(s.PublicKey),
		PrivateKey: MarshalPrivateKey(s.PrivateKey),
		ApiKey:     s.APIKey,
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal secrets: %v", ErrKeyManagement, err)
	}

	key := SHA256([]byte(passphrase))
	cipher, err := EncryptWithIV(plain, key, passphraseIV)
	if err != nil {
		return fmt.Errorf("%w: encrypt secrets: %v", ErrKeyManagement, err)
	}

	if err := os.WriteFile(path, cipher, 0600); err != nil {
		return fmt.Errorf("%w: write secrets file: %v", ErrKeyManagement, err)
	}
	return nil
}

// LoadSecretsFile reverses SaveSecretsFile.
func LoadSecretsFile(path, passphrase string) (*Secrets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read secrets file: %v", ErrKeyManagement, err)
	}

	key := SHA256([]byte(passphrase))
	plain, err := DecryptWithIV(raw, key, passphraseIV)
	if err != nil {
		return nil, fmt.Errorf("%w: secrets file undecryptable", ErrKeyManagement)
	}

	var payload secretsFile
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("%w: secrets file corrupt", ErrKeyManagement)
	}

	priv, err := ParsePrivateKey(payload.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key corrupt", ErrKeyManagement)
	}
	pub, err := ParsePublicKey(payload.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key corrupt", ErrKeyManagement)
	}

	return &Secrets{PublicKey: pub, PrivateKey: priv, APIKey: payload.ApiKey}, nil
}
