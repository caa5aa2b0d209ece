package cryptobox

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestRoundTrip(t *testing.T) {
	box, err := New(testKey(t), "key-1")
	require.NoError(t, err)

	plaintext := []byte(`{"cookies":[{"name":"session","value":"abc123"}]}`)
	envelope, err := box.Encrypt(plaintext)
	require.NoError(t, err)

	got, err := box.Decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	box, err := New(testKey(t), "key-1")
	require.NoError(t, err)

	plaintext := []byte("same plaintext every time")
	e1, err := box.Encrypt(plaintext)
	require.NoError(t, err)
	e2, err := box.Encrypt(plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, e1, e2, "two encryptions of the same plaintext must differ (fresh IV)")

	// Both must still decrypt to the same plaintext.
	d1, err := box.Decrypt(e1)
	require.NoError(t, err)
	d2, err := box.Decrypt(e2)
	require.NoError(t, err)
	assert.Equal(t, plaintext, d1)
	assert.Equal(t, plaintext, d2)
}

func TestTamperedEnvelopeFailsDeterministically(t *testing.T) {
	box, err := New(testKey(t), "key-1")
	require.NoError(t, err)

	envelope, err := box.Encrypt([]byte("sensitive cookie jar"))
	require.NoError(t, err)

	for i := range envelope {
		tampered := bytes.Clone(envelope)
		tampered[i] ^= 0x01
		_, err := box.Decrypt(tampered)
		assert.ErrorIs(t, err, ErrDecryptFailed, "flipping byte %d must fail decryption", i)
	}
}

func TestWrongKeyFailsToDecrypt(t *testing.T) {
	box1, err := New(testKey(t), "key-1")
	require.NoError(t, err)
	box2, err := New(testKey(t), "key-2")
	require.NoError(t, err)

	envelope, err := box1.Encrypt([]byte("top secret"))
	require.NoError(t, err)

	_, err = box2.Decrypt(envelope)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestExtractKeyID(t *testing.T) {
	box, err := New(testKey(t), "key-xyz")
	require.NoError(t, err)

	envelope, err := box.Encrypt([]byte("payload"))
	require.NoError(t, err)

	id, err := ExtractKeyID(envelope)
	require.NoError(t, err)
	assert.Equal(t, "key-xyz", id)
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	_, err := New(make([]byte, 16), "key-1")
	assert.Error(t, err)
}

func TestDecryptRejectsMalformedEnvelope(t *testing.T) {
	box, err := New(testKey(t), "key-1")
	require.NoError(t, err)

	_, err = box.Decrypt([]byte{})
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = box.Decrypt([]byte{0, 1})
	assert.ErrorIs(t, err, ErrDecryptFailed)
}
