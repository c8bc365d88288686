// Package cipher implements stateless authenticated encryption for chunk payloads, binding
// each ciphertext to its tenant and document via associated data (AAD).
package cipher

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the AEAD nonce length in bytes.
const NonceSize = chacha20poly1305.NonceSize

// ErrIntegrityFailure is returned when decryption fails authentication — a tampered
// ciphertext, nonce, or AAD field. The caller must treat the chunk as unrecoverable, never
// fall back to returning the ciphertext as plaintext.
var ErrIntegrityFailure = errors.New("cipher: integrity check failed")

// AAD builds the canonical associated-data string binding a chunk to its tenant, document
// and position: "{org_id}|{document_id}|{chunk_index}", UTF-8, no surrounding whitespace.
func AAD(orgID, documentID string, chunkIndex int) string {
	return fmt.Sprintf("%s|%s|%d", orgID, documentID, chunkIndex)
}

// Seal encrypts plaintext under dek (a 32-byte key) with the given AAD, returning the
// ciphertext and a freshly generated 12-byte nonce. The nonce is never reused for a given dek
// across calls — it is drawn from crypto/rand each time.
func Seal(plaintext, dek []byte, aad string) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(dek)
	if err != nil {
		return nil, nil, fmt.Errorf("cipher: new aead: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("cipher: generate nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, []byte(aad))
	return ciphertext, nonce, nil
}

// Open decrypts ciphertext under dek, nonce and aad. Any mismatch in ciphertext, nonce, or
// aad (including a tampered org/document/index triple) causes ErrIntegrityFailure.
func Open(ciphertext, nonce, dek []byte, aad string) ([]byte, error) {
	aead, err := chacha20poly1305.New(dek)
	if err != nil {
		return nil, fmt.Errorf("cipher: new aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrIntegrityFailure
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return nil, ErrIntegrityFailure
	}
	return plaintext, nil
}

// Overhead is the AEAD authentication tag length added to every ciphertext.
func Overhead() int {
	return chacha20poly1305.Overhead
}
