package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/neurotutor/neurotutor/internal/session"
)

const nonceSize = 24

// ErrUnsealable is returned when a sealed value cannot be opened with the
// configured key.
var ErrUnsealable = errors.New("sealed value cannot be opened")

// Sealed encrypts selected keys of a session.Store at rest.
type Sealed struct {
	inner session.Store
	key   [32]byte
	keys  []string
}

var _ session.Store = (*Sealed)(nil)

// NewSealed wraps inner so that the listed keys (by default the token) are
// sealed with NaCl secretbox under a key derived from secret.
func NewSealed(inner session.Store, secret string, keys ...string) *Sealed {
	if len(keys) == 0 {
		keys = []string{session.KeyToken}
	}
	return &Sealed{inner: inner, key: sha256.Sum256([]byte(secret)), keys: keys}
}

func (s *Sealed) sealed(key string) bool {
	return slices.Contains(s.keys, key)
}

func (s *Sealed) Get(key string) (string, bool, error) {
	v, ok, err := s.inner.Get(key)
	if err != nil || !ok || !s.sealed(key) {
		return v, ok, err
	}
	plain, err := s.open(v)
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return plain, true, nil
}

func (s *Sealed) Set(key, value string) error {
	if !s.sealed(key) {
		return s.inner.Set(key, value)
	}
	box, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return s.inner.Set(key, box)
}

func (s *Sealed) Clear(keys ...string) error {
	return s.inner.Clear(keys...)
}

func (s *Sealed) seal(plain string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *Sealed) open(encoded string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrUnsealable
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrUnsealable
	}
	return string(plain), nil
}
