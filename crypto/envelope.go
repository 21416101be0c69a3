// Package crypto seals account Secrets into authenticated envelopes for
// storage in the remote key-value store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/quanteckio/omni-email/models"
)

const (
	// EnvelopeVersion is the only envelope version this build understands.
	EnvelopeVersion = 1
	// Algorithm is the cipher name recorded in every envelope.
	Algorithm = "AES-256-GCM"

	// KeySize is the master key and derived subkey length.
	KeySize = 32
	// SaltSize is the per-record HKDF salt length.
	SaltSize = 16
	// IVSize is the GCM nonce length.
	IVSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16

	hkdfInfo = "mailbox:v1"
)

var (
	ErrInvalidKeySize = fmt.Errorf("master key must be exactly %d bytes", KeySize)
	// ErrUnsupportedEnvelope is returned when the version or algorithm of a
	// stored envelope does not match this build.
	ErrUnsupportedEnvelope = errors.New("unsupported envelope version or algorithm")
	// ErrAuthFailure is returned when GCM tag verification fails. No partial
	// plaintext is ever returned alongside it.
	ErrAuthFailure = errors.New("envelope authentication failed")
)

// Keyring derives per-record subkeys from a single master key.
type Keyring struct {
	master []byte
}

// NewKeyring wraps a 32-byte master key.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := make([]byte, KeySize)
	copy(k, master)
	return &Keyring{master: k}, nil
}

// AAD builds the associated-data tag binding an envelope to its record.
// Decrypting a record swapped to a different account or tenant fails.
// The two ids are joined with a single ':' and no escaping, so pairs whose
// ids contain ':' can share a tag (("acc:1", "t") and ("acc", "1:t")).
func AAD(accountID, tenantID string) []byte {
	return []byte(accountID + ":" + tenantID)
}

// deriveSubkey runs HKDF-SHA256 over (master, salt, info) to a fresh subkey,
// so no two records share cipher keys.
func (kr *Keyring) deriveSubkey(salt []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, kr.master, salt, []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return key, nil
}

// Seal encrypts a Secret under a fresh salt and IV, binding it to aad.
func (kr *Keyring) Seal(secret models.Secret, aad []byte) (models.Envelope, error) {
	plaintext, err := json.Marshal(secret)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("encode secret: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return models.Envelope{}, fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return models.Envelope{}, fmt.Errorf("generate iv: %w", err)
	}

	gcm, err := kr.newGCM(salt)
	if err != nil {
		return models.Envelope{}, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, aad)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return models.Envelope{
		Version:   EnvelopeVersion,
		Algorithm: Algorithm,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		IV:        base64.StdEncoding.EncodeToString(iv),
		Tag:       base64.StdEncoding.EncodeToString(tag),
		CT:        base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Open verifies and decrypts an envelope sealed with the same aad.
func (kr *Keyring) Open(env models.Envelope, aad []byte) (models.Secret, error) {
	if env.Version != EnvelopeVersion || env.Algorithm != Algorithm {
		return models.Secret{}, ErrUnsupportedEnvelope
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return models.Secret{}, fmt.Errorf("decode salt: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return models.Secret{}, fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return models.Secret{}, fmt.Errorf("decode tag: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return models.Secret{}, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(iv) != IVSize || len(tag) != TagSize {
		return models.Secret{}, ErrAuthFailure
	}

	gcm, err := kr.newGCM(salt)
	if err != nil {
		return models.Secret{}, err
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), aad)
	if err != nil {
		return models.Secret{}, ErrAuthFailure
	}

	var secret models.Secret
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return models.Secret{}, fmt.Errorf("decode secret: %w", err)
	}
	return secret, nil
}

func (kr *Keyring) newGCM(salt []byte) (cipher.AEAD, error) {
	key, err := kr.deriveSubkey(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
