// Package keywrap implements key encapsulation for per-packet hash
// keys (spec §4.2): a fresh 16-byte hash key is generated for every
// packet, then sealed with the long-lived 32-byte secret key using
// ChaCha20-Poly1305 so it can travel inside the packet header.
package keywrap

import (
	"crypto/rand"
	"errors"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// HashKeyLen is the length, in bytes, of a per-packet hash key.
	HashKeyLen = 16

	// SecretKeyLen is the length, in bytes, of the long-lived
	// ChaCha20-Poly1305 secret key.
	SecretKeyLen = chacha20poly1305.KeySize // 32

	nonceLen = chacha20poly1305.NonceSize // 12
	tagLen   = chacha20poly1305.Overhead  // 16

	// TokenLen is the fixed length of an encapsulated hash key:
	// nonce (12) + hash key (16) + AEAD tag (16) = 44 bytes. This is
	// frozen into PacketHeader's 100-byte layout (wire.PacketHeaderSize); a
	// different AEAD with a different overhead would require changing
	// that constant too.
	TokenLen = nonceLen + HashKeyLen + tagLen
)

// ErrAuthFailure is returned when a token fails to authenticate under
// the given secret key.
var ErrAuthFailure = errors.New("keywrap: authentication failure")

func init() {
	if TokenLen != 44 {
		panic("keywrap: TokenLen must be 44 per spec §4.2/§9.3")
	}
}

// GenerateHashKey draws a fresh, random per-packet hash key.
func GenerateHashKey() ([]byte, error) {
	key := make([]byte, HashKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateSecretKey draws a fresh long-lived ChaCha20-Poly1305 secret
// key, held in locked memory so it is never paged to swap or left
// behind in a core dump.
func GenerateSecretKey() (*memguard.LockedBuffer, error) {
	buf := memguard.NewBuffer(SecretKeyLen)
	if _, err := rand.Read(buf.Bytes()); err != nil {
		buf.Destroy()
		return nil, err
	}
	return buf, nil
}

// EncryptKey seals hashKey under secretKey, returning the 44-byte
// token nonce||ciphertext||tag.
func EncryptKey(hashKey []byte, secretKey []byte) ([]byte, error) {
	if len(hashKey) != HashKeyLen {
		return nil, errors.New("keywrap: wrong hash key length")
	}
	if len(secretKey) != SecretKeyLen {
		return nil, errors.New("keywrap: wrong secret key length")
	}

	aead, err := chacha20poly1305.New(secretKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := aead.Seal(nil, nonce, hashKey, nil)
	token := make([]byte, 0, TokenLen)
	token = append(token, nonce...)
	token = append(token, ciphertext...)
	if len(token) != TokenLen {
		return nil, errors.New("keywrap: unexpected token length")
	}
	return token, nil
}

// DecryptKey opens a 44-byte token sealed by EncryptKey, returning the
// original 16-byte hash key. Returns ErrAuthFailure on tag mismatch.
func DecryptKey(token []byte, secretKey []byte) ([]byte, error) {
	if len(token) != TokenLen {
		return nil, errors.New("keywrap: wrong token length")
	}
	if len(secretKey) != SecretKeyLen {
		return nil, errors.New("keywrap: wrong secret key length")
	}

	aead, err := chacha20poly1305.New(secretKey)
	if err != nil {
		return nil, err
	}

	nonce := token[:nonceLen]
	sealed := token[nonceLen:]

	hashKey, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return hashKey, nil
}
