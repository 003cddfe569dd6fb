package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

const (
	envelopeVersion = 0x01
	keyIDSize       = 4
	nonceSize       = 12
	headerSize      = 1 + keyIDSize + nonceSize
)

// KeyID identifies an AES key inside sealed envelopes.
type KeyID [keyIDSize]byte

func keyIDFor(key []byte) KeyID {
	sum := sha256.Sum256(key)
	var id KeyID
	copy(id[:], sum[:keyIDSize])
	return id
}

// AESCipher implements interfaces.SecretCipher with AES-256-GCM.
//
// Envelope layout: version(1) | keyID(4) | nonce(12) | ciphertext+tag.
// New data is always sealed with the primary key; previous keys are kept
// for decryption during rotation.
type AESCipher struct {
	primary KeyID
	aeads   map[KeyID]cipher.AEAD
}

// NewAESCipher creates a cipher whose primary key is key. Every key must be
// 32 bytes.
func NewAESCipher(key []byte, previous ...[]byte) (*AESCipher, error) {
	c := &AESCipher{aeads: make(map[KeyID]cipher.AEAD, 1+len(previous))}

	id, err := c.addKey(key)
	if err != nil {
		return nil, err
	}
	c.primary = id

	for _, k := range previous {
		if _, err := c.addKey(k); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *AESCipher) addKey(key []byte) (KeyID, error) {
	if len(key) != 32 {
		return KeyID{}, fmt.Errorf("cipher key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return KeyID{}, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return KeyID{}, err
	}
	id := keyIDFor(key)
	c.aeads[id] = aead
	return id, nil
}

// PrimaryKeyID returns the id of the key used for new envelopes.
func (c *AESCipher) PrimaryKeyID() KeyID {
	return c.primary
}

// Encrypt seals plaintext. associatedData is authenticated but not stored,
// the same value must be presented to Decrypt.
func (c *AESCipher) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	aead := c.aeads[c.primary]

	out := make([]byte, headerSize, headerSize+len(plaintext)+aead.Overhead())
	out[0] = envelopeVersion
	copy(out[1:1+keyIDSize], c.primary[:])
	nonce := out[1+keyIDSize : headerSize]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(out, nonce, plaintext, associatedData), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (c *AESCipher) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	if len(ciphertext) < headerSize {
		return nil, fmt.Errorf("%w: envelope too short", interfaces.ErrDecryption)
	}
	if ciphertext[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", interfaces.ErrDecryption, ciphertext[0])
	}

	var id KeyID
	copy(id[:], ciphertext[1:1+keyIDSize])
	aead, ok := c.aeads[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %x", interfaces.ErrDecryption, id)
	}

	nonce := ciphertext[1+keyIDSize : headerSize]
	plaintext, err := aead.Open(nil, nonce, ciphertext[headerSize:], associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecryption, err)
	}
	return plaintext, nil
}

// EncryptString seals s and returns the envelope as base64 text.
func EncryptString(c interfaces.SecretCipher, s string, associatedData []byte) (string, error) {
	sealed, err := c.Encrypt([]byte(s), associatedData)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func DecryptString(c interfaces.SecretCipher, encoded string, associatedData []byte) (string, error) {
	if encoded == "" {
		return "", fmt.Errorf("%w: empty secret", interfaces.ErrDecryption)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrDecryption, err)
	}
	plaintext, err := c.Decrypt(sealed, associatedData)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// TenantAssociatedData binds a sealed connection secret to its tenant so a
// blob copied onto another tenant row fails to decrypt.
func TenantAssociatedData(tenantID uuid.UUID) []byte {
	return []byte("tenant:" + tenantID.String())
}

// IsDecryptionError reports whether err came from a failed Decrypt.
func IsDecryptionError(err error) bool {
	return errors.Is(err, interfaces.ErrDecryption)
}
