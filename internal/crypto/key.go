package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/json"

	"github.com/packvault/packvault/internal/errors"

	"golang.org/x/crypto/poly1305"
)

const (
	aesKeySize = 32
	macKeySize = 32
)

// Key is the master key of a repository: an AES-256 key for encryption and
// a Poly1305-AES key for authentication. Key records store it as JSON.
type Key struct {
	MACKey        `json:"mac"`
	EncryptionKey `json:"encrypt"`
}

// EncryptionKey is an AES-256 key.
type EncryptionKey [aesKeySize]byte

// MACKey is a Poly1305-AES key. K encrypts the nonce, R is the Poly1305
// multiplier.
type MACKey struct {
	K [16]byte
	R [16]byte
}

// Valid reports whether both halves of the key are set.
func (k *Key) Valid() bool {
	return k.EncryptionKey.Valid() && k.MACKey.Valid()
}

// Valid reports whether the key is not all zero.
func (k *EncryptionKey) Valid() bool { return !isZero(k[:]) }

// Valid reports whether neither K nor R is all zero.
func (m *MACKey) Valid() bool { return !isZero(m.K[:]) && !isZero(m.R[:]) }

func isZero(buf []byte) bool {
	var acc byte
	for _, b := range buf {
		acc |= b
	}
	return acc == 0
}

func mustRead(buf []byte, what string) {
	if _, err := rand.Read(buf); err != nil {
		panic("unable to read random bytes for " + what + ": " + err.Error())
	}
}

// NewRandomKey returns a new master key. It panics when the system has no
// randomness to offer.
func NewRandomKey() *Key {
	k := &Key{}
	mustRead(k.EncryptionKey[:], "encryption key")
	mustRead(k.MACKey.K[:], "MAC key")
	mustRead(k.MACKey.R[:], "MAC key")
	return k
}

// NewRandomNonce returns a fresh IV.
func NewRandomNonce() []byte {
	iv := make([]byte, ivSize)
	mustRead(iv, "IV")
	return iv
}

// setMACKey fills m from the 32 byte sequence k||r.
func setMACKey(m *MACKey, buf []byte) {
	copy(m.K[:], buf[:16])
	copy(m.R[:], buf[16:32])
}

// polyKey is the one-time key r||AES_k(nonce) for poly1305.
func (m *MACKey) polyKey(nonce []byte) *[32]byte {
	var key [32]byte
	block, err := aes.NewCipher(m.K[:])
	if err != nil {
		panic(err)
	}
	copy(key[:16], m.R[:])
	block.Encrypt(key[16:], nonce)
	return &key
}

func (m *MACKey) sum(msg, nonce []byte) [macSize]byte {
	var tag [macSize]byte
	poly1305.Sum(&tag, msg, m.polyKey(nonce))
	return tag
}

func (m *MACKey) verify(msg, nonce, mac []byte) bool {
	var tag [macSize]byte
	copy(tag[:], mac)
	return poly1305.Verify(&tag, msg, m.polyKey(nonce))
}

type macKeyJSON struct {
	K []byte `json:"k"`
	R []byte `json:"r"`
}

// MarshalJSON encodes both parts as base64 strings.
func (m *MACKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(macKeyJSON{K: m.K[:], R: m.R[:]})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MACKey) UnmarshalJSON(data []byte) error {
	var j macKeyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return errors.Wrap(err, "decode MAC key")
	}
	copy(m.K[:], j.K)
	copy(m.R[:], j.R)
	return nil
}

// MarshalJSON encodes the key as a base64 string.
func (k *EncryptionKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k[:])
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *EncryptionKey) UnmarshalJSON(data []byte) error {
	var buf []byte
	if err := json.Unmarshal(data, &buf); err != nil {
		return errors.Wrap(err, "decode encryption key")
	}
	copy(k[:], buf)
	return nil
}
