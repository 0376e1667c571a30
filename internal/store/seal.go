package store

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sb1:"

var errSealedCorrupt = errors.New("sealed text is corrupt")

// Sealer encrypts journal text at rest with NaCl secretbox.
type Sealer struct {
	key [32]byte
}

// NewSealer builds a Sealer from a 64-character hex key.
func NewSealer(hexKey string) (*Sealer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode journal key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("journal key must be 32 bytes, got %d", len(raw))
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

// Seal encrypts plain and returns a printable envelope.
func (s *Sealer) Seal(plain string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// Open decrypts an envelope produced by Seal. Text without the envelope
// prefix is returned unchanged so entries written before a key was
// configured remain readable.
func (s *Sealer) Open(sealed string) (string, error) {
	if len(sealed) < len(sealedPrefix) || sealed[:len(sealedPrefix)] != sealedPrefix {
		return sealed, nil
	}
	box, err := base64.StdEncoding.DecodeString(sealed[len(sealedPrefix):])
	if err != nil {
		return "", fmt.Errorf("%w: %v", errSealedCorrupt, err)
	}
	if len(box) < 24 {
		return "", errSealedCorrupt
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, &s.key)
	if !ok {
		return "", errSealedCorrupt
	}
	return string(plain), nil
}
