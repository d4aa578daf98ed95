package answercrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the required master key length (AES-256).
	KeySize = 32
	// NonceSize is the GCM nonce length generated per Seal call.
	NonceSize = 12
)

var (
	// ErrIntegrity indicates authentication failed on decrypt: the payload
	// was tampered with, truncated, or sealed under a different key. No
	// plaintext is ever returned alongside it.
	ErrIntegrity = errors.New("answer integrity check failed")
	// ErrBadKey indicates the master key has the wrong length.
	ErrBadKey = errors.New("master key must be 32 bytes")
)

// Sealed carries one encrypted answer. The GCM tag is appended to Ciphertext.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
}

// Cipher seals and opens answer payloads. Each session gets its own AES key
// derived from the master key, so a nonce collision in one session cannot
// endanger another.
type Cipher struct {
	masterKey []byte
}

// New validates the master key and returns a Cipher.
func New(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != KeySize {
		return nil, ErrBadKey
	}
	key := make([]byte, KeySize)
	copy(key, masterKey)
	return &Cipher{masterKey: key}, nil
}

// ParseMasterKey decodes a base64 (std or raw) encoded 32-byte key.
func ParseMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrBadKey
	}
	return key, nil
}

// sessionKey derives the per-session AES key via HKDF-SHA256 with the
// session id as the info string.
func (c *Cipher) sessionKey(sessionID string) ([]byte, error) {
	r := hkdf.New(sha256.New, c.masterKey, nil, []byte("answer:"+sessionID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

func (c *Cipher) aead(sessionID string) (cipher.AEAD, error) {
	key, err := c.sessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under the session's derived key with a fresh
// random nonce.
func (c *Cipher) Seal(sessionID string, plaintext []byte) (Sealed, error) {
	aead, err := c.aead(sessionID)
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Sealed{
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
	}, nil
}

// Open decrypts a sealed answer. It fails closed: any malformed payload or
// tag mismatch yields ErrIntegrity, never altered plaintext.
func (c *Cipher) Open(sessionID string, sealed Sealed) ([]byte, error) {
	if len(sealed.Nonce) != NonceSize {
		return nil, ErrIntegrity
	}
	aead, err := c.aead(sessionID)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// Digest computes the keyed integrity digest stored alongside a response:
// HMAC-SHA256 over (sessionID, questionID, ciphertext). It is defense in
// depth against row tampering that swaps ciphertexts between slots.
func (c *Cipher) Digest(sessionID string, questionID int, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, c.masterKey)
	mac.Write([]byte(sessionID))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.Itoa(questionID)))
	mac.Write([]byte{0})
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

// VerifyDigest reports whether the stored digest matches the row contents.
func (c *Cipher) VerifyDigest(sessionID string, questionID int, ciphertext, digest []byte) bool {
	return hmac.Equal(digest, c.Digest(sessionID, questionID, ciphertext))
}
