package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx, err := NewEncryptionContext(testKey())
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy block")
	nonce, ciphertext, err := ctx.Encrypt(plaintext)
	require.NoError(t, err)
	require.Len(t, nonce, NonceSize)

	buf := make([]byte, len(ciphertext))
	copy(buf, ciphertext)
	require.NoError(t, ctx.DecryptInPlace(buf, nonce))
	require.Equal(t, plaintext, buf[:len(plaintext)])
}

func TestDecryptInPlaceLeavesBufferUntouchedOnFailure(t *testing.T) {
	ctx, err := NewEncryptionContext(testKey())
	require.NoError(t, err)

	plaintext := []byte("sensitive block payload data here")
	nonce, ciphertext, err := ctx.Encrypt(plaintext)
	require.NoError(t, err)

	corrupt := make([]byte, len(ciphertext))
	copy(corrupt, ciphertext)
	corrupt[0] ^= 0xFF // flip a bit so the tag no longer validates

	before := make([]byte, len(corrupt))
	copy(before, corrupt)

	err = ctx.DecryptInPlace(corrupt, nonce)
	require.Error(t, err)
	require.True(t, bytes.Equal(before, corrupt), "buffer must be unchanged after a failed decrypt")
}

func TestIntegrityHashDetectsMismatch(t *testing.T) {
	a := []byte("block contents v1")
	b := []byte("block contents v2")
	require.NotEqual(t, IntegrityHash(a), IntegrityHash(b))
	require.Equal(t, IntegrityHash(a), IntegrityHash(append([]byte(nil), a...)))
}

func TestSelectValidPicksFirstMatching(t *testing.T) {
	good := []byte("good data")
	bad := []byte("stale data")
	candidates := []BlockContext{
		{Hash: IntegrityHash(bad) + 1}, // deliberately wrong
		{Hash: IntegrityHash(good)},
	}
	datas := [][]byte{bad, good}

	idx, ok := SelectValid(candidates, datas)
	require.True(t, ok)
	require.Equal(t, 1, idx)
}
