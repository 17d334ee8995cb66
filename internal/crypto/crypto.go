// Package crypto seals and opens journal payloads with NaCl secretbox.
// Ciphertexts are nonce-prefixed; a fresh random nonce is drawn per seal.
//
// Key management is out of scope: keys arrive from the environment and
// the Keyring abstraction leaves room for a per-user KMS later.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the secretbox key length in bytes.
const KeySize = 32

const nonceSize = 24

// ErrDecrypt signals an undecryptable payload: wrong key, tampering, or
// truncation. The caller must treat the record as fatal, never retry it.
var ErrDecrypt = errors.New("crypto: cannot decrypt payload")

// Keeper seals and opens payloads under one symmetric key.
type Keeper struct {
	key [KeySize]byte
}

// NewKeeper builds a Keeper from raw key bytes.
func NewKeeper(key []byte) (*Keeper, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	k := &Keeper{}
	copy(k.key[:], key)
	return k, nil
}

// ParseKey decodes a base64 standard-encoded key.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// GenerateKey returns a fresh random key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("crypto: generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext, prefixing the random nonce.
func (k *Keeper) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &k.key), nil
}

// Open decrypts a nonce-prefixed ciphertext. Any authentication failure
// returns ErrDecrypt.
func (k *Keeper) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &k.key)
	if !ok {
		return nil, ErrDecrypt
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// Keyring resolves the Keeper for a user.
type Keyring interface {
	KeyFor(userID string) (*Keeper, error)
}

// StaticKeyring serves one shared Keeper for every user.
type StaticKeyring struct {
	keeper *Keeper
}

// NewStaticKeyring wraps a single Keeper as a Keyring.
func NewStaticKeyring(k *Keeper) *StaticKeyring {
	return &StaticKeyring{keeper: k}
}

// KeyFor returns the shared Keeper.
func (r *StaticKeyring) KeyFor(string) (*Keeper, error) {
	return r.keeper, nil
}
