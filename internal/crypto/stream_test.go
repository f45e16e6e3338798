package crypto

import (
	"bytes"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func testKey() []byte {
	k := sha256.Sum256([]byte("password"))
	return k[:]
}

func TestEncryptWriterRoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("bulk sync "), 1000)

	var buf bytes.Buffer
	w, err := NewEncryptWriter(nopWriteCloser{&buf}, testKey())
	require.NoError(t, err)
	_, err = w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, len(plain)+HeaderSize, buf.Len())
	assert.NotEqual(t, plain, buf.Bytes()[HeaderSize:])

	r, err := NewDecryptReader(&buf, testKey())
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecryptShortInput(t *testing.T) {
	_, err := NewDecryptReader(bytes.NewReader([]byte{1, 2, 3}), testKey())
	assert.Error(t, err)
}

func TestInvalidKey(t *testing.T) {
	_, err := NewEncryptWriter(nopWriteCloser{io.Discard}, []byte("short"))
	assert.Error(t, err)
}
