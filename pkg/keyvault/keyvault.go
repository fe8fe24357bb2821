// Package keyvault seals broker API keys at rest and derives the lookup digest
// used to find a key's owner without storing the key in clear text.
package keyvault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	encryptionSalt = []byte("marketdata-relay/api-key/encryption")
	digestSalt     = []byte("marketdata-relay/api-key/digest")

	ErrMalformed = errors.New("keyvault: malformed ciphertext")
	ErrDecrypt   = errors.New("keyvault: decryption failed")
)

type Vault struct {
	key       [keySize]byte
	digestKey [keySize]byte
}

// New derives the sealing and digest keys from pepper with argon2id. Call it
// once per process.
func New(pepper string) (*Vault, error) {
	if len(pepper) < keySize {
		return nil, fmt.Errorf("keyvault: pepper must be at least %d bytes", keySize)
	}
	v := &Vault{}
	copy(v.key[:], argon2.IDKey([]byte(pepper), encryptionSalt, argonTime, argonMemory, argonThreads, keySize))
	copy(v.digestKey[:], argon2.IDKey([]byte(pepper), digestSalt, argonTime, argonMemory, argonThreads, keySize))
	if _, err := blake2b.New256(v.digestKey[:]); err != nil {
		return nil, fmt.Errorf("keyvault: digest key: %w", err)
	}
	return v, nil
}

// Seal encrypts plaintext and returns base64(nonce || box).
func (v *Vault) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("keyvault: read nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &v.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (v *Vault) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrMalformed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &v.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Digest is a keyed BLAKE2b-256 of apiKey. It is deterministic for a given
// pepper so it can be used as an index.
func (v *Vault) Digest(apiKey string) string {
	h, _ := blake2b.New256(v.digestKey[:])
	h.Write([]byte(apiKey))
	return hex.EncodeToString(h.Sum(nil))
}
