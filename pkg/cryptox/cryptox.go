// Package cryptox is the at-rest encryption layer. Every secret-valued
// column (access tokens, refresh tokens, provider client secrets, API-key
// secrets, webhook signing secrets) passes through a Cipher before it reaches
// the store.
//
// The stored form is base64(version || iv || tag || ciphertext): a one-byte
// key version, a 96-bit random IV, the 16-byte GCM tag, then the ciphertext.
// Decrypt selects the key by version; Encrypt always uses the current
// version, so a rotation only needs new writes plus a background re-encrypt
// sweep while readers tolerate both versions.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	ivSize  = 12
	tagSize = 16
)

// Cipher encrypts and decrypts short secrets with a versioned keyring.
type Cipher struct {
	mu      sync.RWMutex
	aeads   map[byte]cipher.AEAD
	current byte
}

// NewCipher builds a Cipher from master keys keyed by version. Each data key
// is derived from its master key with HKDF-SHA256 so the raw master material
// never touches the cipher directly.
func NewCipher(keys map[byte][]byte, current byte) (*Cipher, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("cryptox: no keys configured")
	}
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("cryptox: current version %d has no key", current)
	}

	aeads := make(map[byte]cipher.AEAD, len(keys))
	for version, master := range keys {
		if len(master) != 32 {
			return nil, fmt.Errorf("cryptox: key version %d: want 32 bytes, got %d", version, len(master))
		}

		derived := make([]byte, 32)
		kdf := hkdf.New(sha256.New, master, []byte{version}, []byte("link-broker data key"))
		if _, err := io.ReadFull(kdf, derived); err != nil {
			return nil, fmt.Errorf("cryptox: derive key version %d: %w", version, err)
		}

		block, err := aes.NewCipher(derived)
		if err != nil {
			return nil, fmt.Errorf("cryptox: key version %d: %w", version, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("cryptox: key version %d: %w", version, err)
		}
		aeads[version] = aead
	}

	return &Cipher{aeads: aeads, current: current}, nil
}

// CurrentVersion returns the version used for new encryptions.
func (c *Cipher) CurrentVersion() byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Encrypt seals plaintext under the current key version.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	c.mu.RLock()
	version := c.current
	aead := c.aeads[version]
	c.mu.RUnlock()

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("cryptox: generate iv: %w", err)
	}

	// Seal returns ciphertext || tag; the stored layout wants the tag first.
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, 1+ivSize+tagSize+len(ct))
	out = append(out, version)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// EncryptString seals a string secret.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

// Decrypt opens a stored value, selecting the key by its version prefix.
func (c *Cipher) Decrypt(stored string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("cryptox: decode: %w", err)
	}
	if len(raw) < 1+ivSize+tagSize {
		return nil, fmt.Errorf("cryptox: value too short (%d bytes)", len(raw))
	}

	version := raw[0]
	c.mu.RLock()
	aead, ok := c.aeads[version]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cryptox: unknown key version %d", version)
	}

	iv := raw[1 : 1+ivSize]
	tag := raw[1+ivSize : 1+ivSize+tagSize]
	ct := raw[1+ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptox: open: %w", err)
	}
	return plaintext, nil
}

// DecryptString opens a stored value as a string.
func (c *Cipher) DecryptString(stored string) (string, error) {
	plaintext, err := c.Decrypt(stored)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Version reports the key version of a stored value without decrypting it.
func (c *Cipher) Version(stored string) (byte, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return 0, fmt.Errorf("cryptox: decode: %w", err)
	}
	if len(raw) == 0 {
		return 0, fmt.Errorf("cryptox: empty value")
	}
	return raw[0], nil
}

// Reencrypt decrypts a stored value and seals it again under the current
// version. Used by the rotation sweep; values already at the current version
// come back unchanged with rotated == false.
func (c *Cipher) Reencrypt(stored string) (out string, rotated bool, err error) {
	version, err := c.Version(stored)
	if err != nil {
		return "", false, err
	}
	if version == c.CurrentVersion() {
		return stored, false, nil
	}

	plaintext, err := c.Decrypt(stored)
	if err != nil {
		return "", false, err
	}
	sealed, err := c.Encrypt(plaintext)
	if err != nil {
		return "", false, err
	}
	return sealed, true, nil
}
