package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/packvault/packvault/internal/errors"

	"golang.org/x/crypto/poly1305"
)

const (
	ivSize  = aes.BlockSize
	macSize = poly1305.TagSize

	// Extension is the number of bytes encryption adds to a plaintext: the
	// IV in front and the MAC at the end.
	Extension = ivSize + macSize
)

// ErrUnauthenticated is returned when a MAC does not match. It is of kind
// errors.ErrCorrupt.
var ErrUnauthenticated = errors.WithKind(errors.New("ciphertext verification failed"), errors.ErrCorrupt)

// CiphertextLength returns the size of an encrypted blob holding
// plaintextSize bytes.
func CiphertextLength(plaintextSize int) int {
	return plaintextSize + Extension
}

// PlaintextLength is the inverse of CiphertextLength.
func PlaintextLength(ciphertextSize int) int {
	return ciphertextSize - Extension
}

// NewBlobBuffer returns a buffer of length size with enough capacity left to
// encrypt it in place.
func NewBlobBuffer(size int) []byte {
	return make([]byte, size, size+Extension)
}

var _ cipher.AEAD = &Key{}

// NonceSize implements cipher.AEAD.
func (k *Key) NonceSize() int { return ivSize }

// Overhead implements cipher.AEAD. The nonce is not included, callers store
// it in front of the ciphertext themselves.
func (k *Key) Overhead() int { return macSize }

// grow extends in by n bytes, reusing its capacity if possible. It returns
// the whole slice and the n new bytes.
func grow(in []byte, n int) (whole, added []byte) {
	total := len(in) + n
	if cap(in) >= total {
		whole = in[:total]
	} else {
		whole = make([]byte, total)
		copy(whole, in)
	}
	return whole, whole[len(in):]
}

// ctr runs AES-256 in counter mode over src, writing to dst.
func (k *Key) ctr(dst, nonce, src []byte) {
	block, err := aes.NewCipher(k.EncryptionKey[:])
	if err != nil {
		panic(fmt.Sprintf("aes: %v", err))
	}
	cipher.NewCTR(block, nonce).XORKeyStream(dst, src)
}

// Seal encrypts plaintext with the nonce and appends the ciphertext followed
// by its MAC to dst. Additional data is not supported, and the nonce must
// never be used twice with the same key. plaintext and dst may alias exactly
// or not at all.
func (k *Key) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	switch {
	case !k.Valid():
		panic("key is invalid")
	case len(additionalData) > 0:
		panic("additional data is not supported")
	case len(nonce) != ivSize:
		panic("incorrect nonce length")
	case isZero(nonce):
		panic("nonce is invalid")
	}

	whole, out := grow(dst, len(plaintext)+macSize)
	ct := out[:len(plaintext)]
	k.ctr(ct, nonce, plaintext)

	mac := k.MACKey.sum(ct, nonce)
	copy(out[len(plaintext):], mac[:])
	return whole
}

// Open checks the MAC of ciphertext and appends the decrypted plaintext to
// dst. ciphertext and dst may alias exactly or not at all. dst may be
// overwritten up to its capacity even if Open fails.
func (k *Key) Open(dst, nonce, ciphertext, _ []byte) ([]byte, error) {
	if !k.Valid() {
		return nil, errors.New("invalid key")
	}
	if len(nonce) != ivSize {
		panic("incorrect nonce length")
	}
	if isZero(nonce) {
		return nil, errors.Corruptf("nonce is invalid")
	}
	if len(ciphertext) < macSize {
		return nil, errors.Corruptf("ciphertext too short (%d bytes)", len(ciphertext))
	}

	n := len(ciphertext) - macSize
	if !k.MACKey.verify(ciphertext[:n], nonce, ciphertext[n:]) {
		return nil, ErrUnauthenticated
	}

	whole, out := grow(dst, n)
	k.ctr(out, nonce, ciphertext[:n])
	return whole, nil
}
