package admission

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const pairingContext = "lista/pairing/v1"

// PairingKey derives the symmetric key both sides of a pairing exchange use
// from the invite secret.
func PairingKey(secret []byte) *[32]byte {
	var key [32]byte
	kdf := hkdf.New(sha256.New, secret, nil, []byte(pairingContext))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		// SHA-256 HKDF cannot fail to produce 32 bytes.
		panic(err)
	}
	return &key
}

// SealBox encrypts payload under key. The returned box is the random nonce
// followed by the secretbox ciphertext.
func SealBox(key *[32]byte, payload []byte) []byte {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic(err)
	}
	return secretbox.Seal(nonce[:], payload, &nonce, key)
}

// OpenBox reverses SealBox. Returns false on truncated input or failed
// authentication; callers treat that as a silent ignore.
func OpenBox(key *[32]byte, box []byte) ([]byte, bool) {
	if len(box) < 24 {
		return nil, false
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	return secretbox.Open(nil, box[24:], &nonce, key)
}
