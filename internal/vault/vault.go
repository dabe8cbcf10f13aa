// Package vault encrypts portal credentials at rest with a single
// process-wide key.
//
// Ciphertexts are XChaCha20-Poly1305 envelopes:
//
//	version (1 byte) || nonce (24 bytes) || sealed payload
//
// The key id is bound as additional data, so a ciphertext opened under another
// key fails authentication rather than returning garbage.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/transit-tracker/internal/domain"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes (256 bits).
const KeySize = chacha20poly1305.KeySize

const envelopeV1 byte = 1

// ErrDecryption is returned for malformed, foreign or tampered ciphertexts.
var ErrDecryption = errors.New("vault: decryption failed")

// Vault holds only the key; it is safe for concurrent use.
type Vault struct {
	key   []byte
	keyID string
}

// New builds a vault from a 32-byte key. The slice is copied.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault.New: key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	sum := sha256.Sum256(k)
	return &Vault{key: k, keyID: hex.EncodeToString(sum[:4])}, nil
}

// ParseKey decodes a standard or URL-safe base64 key.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("vault.ParseKey: key is empty")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			if len(key) != KeySize {
				return nil, fmt.Errorf("vault.ParseKey: key must decode to %d bytes, got %d", KeySize, len(key))
			}
			return key, nil
		}
	}
	return nil, errors.New("vault.ParseKey: key is not valid base64")
}

// GenerateKey returns a fresh random key encoded as standard base64.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("vault.GenerateKey: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// KeyID is a short, non-secret identifier of the key, stored next to
// ciphertexts to spot rotation mistakes.
func (v *Vault) KeyID() string {
	return v.keyID
}

// Encrypt seals plaintext under a random nonce.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault.Encrypt: %w", err)
	}

	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = envelopeV1
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault.Encrypt: nonce: %w", err)
	}
	return aead.Seal(out, nonce, plaintext, v.additionalData()), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Every failure wraps
// ErrDecryption.
func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault.Decrypt: %w", err)
	}

	headerLen := 1 + aead.NonceSize()
	if len(ciphertext) < headerLen+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	if ciphertext[0] != envelopeV1 {
		return nil, fmt.Errorf("%w: unknown envelope version %d", ErrDecryption, ciphertext[0])
	}

	plaintext, err := aead.Open(nil, ciphertext[1:headerLen], ciphertext[headerLen:], v.additionalData())
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return plaintext, nil
}

// EncryptCredential seals a credential as JSON.
func (v *Vault) EncryptCredential(c domain.Credential) ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("vault.EncryptCredential: marshal: %w", err)
	}
	defer wipe(payload)
	return v.Encrypt(payload)
}

// DecryptCredential opens and decodes a credential sealed by EncryptCredential.
func (v *Vault) DecryptCredential(ciphertext []byte) (domain.Credential, error) {
	payload, err := v.Decrypt(ciphertext)
	if err != nil {
		return domain.Credential{}, err
	}
	defer wipe(payload)

	var c domain.Credential
	if err := json.Unmarshal(payload, &c); err != nil {
		return domain.Credential{}, fmt.Errorf("%w: payload is not a credential", ErrDecryption)
	}
	if c.Username == "" || c.Password == "" {
		return domain.Credential{}, fmt.Errorf("%w: credential is incomplete", ErrDecryption)
	}
	return c, nil
}

func (v *Vault) additionalData() []byte {
	return []byte("transit-tracker/credential/" + v.keyID)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
