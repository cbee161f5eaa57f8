package cookies

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	ErrNoSecret      = fmt.Errorf("cookie vault secret is empty")
	ErrCorruptRecord = fmt.Errorf("cookie payload can not be decrypted")
)

// Sealer encrypts cookie payloads at rest with NaCl secretbox
type Sealer struct {
	key [keySize]byte
}

// NewSealer derives an encryption key from an operator supplied secret
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}

	derived := argon2.IDKey([]byte(secret), []byte("verdandi/cookies"), 1, 64*1024, 4, keySize)

	s := &Sealer{}
	copy(s.key[:], derived)
	return s, nil
}

// Seal encrypts data, prefixing the result with a random nonce
func (s *Sealer) Seal(data []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	return secretbox.Seal(nonce[:], data, &nonce, &s.key), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrCorruptRecord
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	data, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrCorruptRecord
	}
	return data, nil
}
