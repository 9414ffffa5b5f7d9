package wire

import (
	"crypto/rand"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize and TagSize match the wire's fixed block-context layout: a
// 12-byte nonce and a 16-byte Poly1305 tag bracket every encrypted block.
const (
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
)

// EncryptionContext wraps a single AEAD key used for every block in a
// region. It is safe for concurrent use; chacha20poly1305's Go
// implementation allocates no shared state across Seal/Open calls.
type EncryptionContext struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewEncryptionContext builds an AEAD context from a 32-byte key.
func NewEncryptionContext(key [32]byte) (*EncryptionContext, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("wire: construct AEAD: %w", err)
	}
	return &EncryptionContext{aead: aead}, nil
}

// Encrypt seals plaintext, returning a fresh random nonce and the
// ciphertext (with the Poly1305 tag appended).
func (e *EncryptionContext) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("wire: generate nonce: %w", err)
	}
	ciphertext = e.aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// DecryptInPlace decrypts ciphertext (with its trailing tag) using
// nonce, writing the plaintext back into the same buffer only on
// success. On failure buf is left byte-for-byte unchanged — decryption
// works against a scratch copy, and the original is only overwritten
// once Open has already succeeded.
func (e *EncryptionContext) DecryptInPlace(buf, nonce []byte) error {
	scratch := make([]byte, len(buf))
	copy(scratch, buf)

	plaintext, err := e.aead.Open(scratch[:0], nonce, scratch, nil)
	if err != nil {
		return fmt.Errorf("wire: decrypt: %w", err)
	}
	copy(buf, plaintext)
	for i := len(plaintext); i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// IntegrityHash computes the non-cryptographic fingerprint recorded
// alongside every block, used to detect divergent replica content
// independent of encryption.
func IntegrityHash(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// BlockContext is the per-block metadata an Upstairs tracks to validate
// and select among candidate read responses: the integrity hash of the
// plaintext, and the nonce/tag if the region is encrypted.
type BlockContext struct {
	Hash  uint64
	Nonce []byte // nil if unencrypted
	Tag   []byte // nil if unencrypted
}

// ValidateBlock reports whether data (already decrypted, if
// applicable) matches the recorded hash.
func ValidateBlock(ctx BlockContext, data []byte) bool {
	return IntegrityHash(data) == ctx.Hash
}

// SelectValid picks the first candidate, in order, whose data matches
// its recorded hash — the multi-candidate read-validation rule: when
// replicas disagree, the first candidate with valid integrity wins, not
// a majority vote.
func SelectValid(candidates []BlockContext, datas [][]byte) (int, bool) {
	for i, ctx := range candidates {
		if i >= len(datas) {
			break
		}
		if ValidateBlock(ctx, datas[i]) {
			return i, true
		}
	}
	return -1, false
}
