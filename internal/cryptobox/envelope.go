// Package cryptobox implements the AES-256-GCM envelope used by the Session
// Store to persist encrypted browser-state blobs. The envelope format is
// key_id || iv || ciphertext || tag, where key_id is a variable-length
// identifier behind a 2-byte big-endian length prefix, so a future key
// rotation can be recognized on read without a side channel. The prefix and
// key_id are authenticated as GCM additional data.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrDecryptFailed is returned for any authentication failure: wrong key,
// tampered ciphertext, or a malformed envelope. Callers must not distinguish
// these cases (that would leak an oracle), so Session Store treats them all
// as "delete the row and return none."
var ErrDecryptFailed = errors.New("cryptobox: decryption failed")

const nonceSize = 12 // GCM standard nonce size

// Box encrypts and decrypts envelopes under a single 32-byte (AES-256) key,
// tagged with a key id that travels with the envelope.
type Box struct {
	keyID string
	gcm   cipher.AEAD
}

// New builds a Box from a raw 32-byte key and an opaque key id string used
// to tag envelopes (and, in a future key-rotation scheme, to select among
// multiple keys on decrypt).
func New(key []byte, keyID string) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptobox: key must be 32 bytes for AES-256, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: new gcm: %w", err)
	}
	return &Box{keyID: keyID, gcm: gcm}, nil
}

// KeyID returns the id this Box tags envelopes with.
func (b *Box) KeyID() string { return b.keyID }

// Encrypt seals plaintext into key_id || iv || ciphertext||tag. A fresh
// random nonce is drawn every call, so two encryptions of identical
// plaintext never produce the same envelope.
func (b *Box) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptobox: read nonce: %w", err)
	}

	keyIDBytes := []byte(b.keyID)
	out := make([]byte, 0, 2+len(keyIDBytes)+nonceSize+len(plaintext)+b.gcm.Overhead())

	header := make([]byte, 2)
	binary.BigEndian.PutUint16(header, uint16(len(keyIDBytes)))
	header = append(header, keyIDBytes...)
	out = append(out, header...)
	out = append(out, nonce...)
	out = b.gcm.Seal(out, nonce, plaintext, header)
	return out, nil
}

// Decrypt opens an envelope produced by Encrypt. Any malformed envelope or
// authentication failure returns ErrDecryptFailed, deterministically, per
// the spec's "any single-bit flip causes decrypt to fail" invariant.
func (b *Box) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < 2 {
		return nil, ErrDecryptFailed
	}
	keyIDLen := int(binary.BigEndian.Uint16(envelope[:2]))
	rest := envelope[2:]
	if keyIDLen < 0 || keyIDLen > len(rest) {
		return nil, ErrDecryptFailed
	}
	aad := envelope[:2+keyIDLen]
	rest = rest[keyIDLen:]
	if len(rest) < nonceSize {
		return nil, ErrDecryptFailed
	}
	nonce := rest[:nonceSize]
	ciphertext := rest[nonceSize:]

	plaintext, err := b.gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// ExtractKeyID reads the key id tag from an envelope without decrypting it,
// so a multi-key Box (not implemented here; single-key today) could route
// to the right key on read.
func ExtractKeyID(envelope []byte) (string, error) {
	if len(envelope) < 2 {
		return "", ErrDecryptFailed
	}
	keyIDLen := int(binary.BigEndian.Uint16(envelope[:2]))
	if keyIDLen < 0 || 2+keyIDLen > len(envelope) {
		return "", ErrDecryptFailed
	}
	return string(envelope[2 : 2+keyIDLen]), nil
}
