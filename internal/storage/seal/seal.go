// Package seal encrypts small secrets at rest with XChaCha20-Poly1305 under
// a key derived from a passphrase.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "v1:"

var (
	ErrNoKey     = errors.New("sealed value but no key configured")
	ErrMalformed = errors.New("malformed sealed value")
)

// salt is fixed so the same passphrase always derives the same key.
var salt = []byte("ticketgrab/credentials/v1")

type Sealer struct{ aead cipher.AEAD }

// New derives the key with Argon2id. An empty passphrase returns nil, and a
// nil Sealer passes values through unchanged.
func New(passphrase string) (*Sealer, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, nil
	}
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: a}, nil
}

// Sealed reports whether v carries the sealed prefix.
func Sealed(v string) bool { return strings.HasPrefix(v, prefix) }

func (s *Sealer) Seal(plaintext []byte) (string, error) {
	if s == nil {
		return string(plaintext), nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	buf := s.aead.Seal(nonce, nonce, plaintext, nil)
	return prefix + base64.RawStdEncoding.EncodeToString(buf), nil
}

// Open reverses Seal. Values written without a key are returned as is.
func (s *Sealer) Open(v string) ([]byte, error) {
	if !Sealed(v) {
		return []byte(v), nil
	}
	if s == nil {
		return nil, ErrNoKey
	}
	buf, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(v, prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ns := s.aead.NonceSize()
	if len(buf) < ns {
		return nil, fmt.Errorf("%w: too short", ErrMalformed)
	}
	pt, err := s.aead.Open(nil, buf[:ns], buf[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return pt, nil
}
