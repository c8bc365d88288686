package cipher

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomDEK(t *testing.T) []byte {
	t.Helper()
	dek := make([]byte, 32)
	_, err := rand.Read(dek)
	require.NoError(t, err)
	return dek
}

func TestSealOpenRoundTrip(t *testing.T) {
	dek := randomDEK(t)
	aad := AAD("org-1", "doc-1", 0)
	plaintext := []byte("Paris is the capital of France.")

	ct, nonce, err := Seal(plaintext, dek, aad)
	require.NoError(t, err)
	require.Len(t, nonce, NonceSize)
	require.Equal(t, len(plaintext)+Overhead(), len(ct))

	pt, err := Open(ct, nonce, dek, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	dek := randomDEK(t)
	aad := AAD("org-1", "doc-1", 0)
	ct, nonce, err := Seal([]byte("hello"), dek, aad)
	require.NoError(t, err)

	ct[0] ^= 0xFF
	_, err = Open(ct, nonce, dek, aad)
	require.ErrorIs(t, err, ErrIntegrityFailure)
}

func TestOpenFailsOnTamperedNonce(t *testing.T) {
	dek := randomDEK(t)
	aad := AAD("org-1", "doc-1", 0)
	ct, nonce, err := Seal([]byte("hello"), dek, aad)
	require.NoError(t, err)

	nonce[0] ^= 0xFF
	_, err = Open(ct, nonce, dek, aad)
	require.ErrorIs(t, err, ErrIntegrityFailure)
}

func TestOpenFailsOnTamperedAAD(t *testing.T) {
	dek := randomDEK(t)
	ct, nonce, err := Seal([]byte("hello"), dek, AAD("org-1", "doc-1", 0))
	require.NoError(t, err)

	_, err = Open(ct, nonce, dek, AAD("org-1", "doc-2", 0))
	require.ErrorIs(t, err, ErrIntegrityFailure)
}

func TestAADCanonicalForm(t *testing.T) {
	require.Equal(t, "org-1|doc-1|3", AAD("org-1", "doc-1", 3))
}

func TestSealNeverReusesNonce(t *testing.T) {
	dek := randomDEK(t)
	aad := AAD("org-1", "doc-1", 0)
	_, n1, err := Seal([]byte("hello"), dek, aad)
	require.NoError(t, err)
	_, n2, err := Seal([]byte("hello"), dek, aad)
	require.NoError(t, err)
	require.NotEqual(t, n1, n2)
}
