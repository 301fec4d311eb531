package crypto

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	rtest "github.com/packvault/packvault/internal/test"
)

func unhex(t testing.TB, s string) []byte {
	t.Helper()
	buf, err := hex.DecodeString(s)
	rtest.OK(t, err)
	return buf
}

// Vectors from the Poly1305-AES paper by D. J. Bernstein.
func TestMACKeySum(t *testing.T) {
	for _, v := range []struct{ msg, r, k, nonce, mac string }{
		{
			msg:   "f3f6",
			r:     "851fc40c3467ac0be05cc20404f3f700",
			k:     "ec074c835580741701425b623235add6",
			nonce: "fb447350c4e868c52ac3275cf9d4327e",
			mac:   "f4c633c3044fc145f84f335cb81953de",
		},
		{
			msg:   "",
			r:     "a0f3080000f46400d0c7e9076c834403",
			k:     "75deaa25c09f208e1dc4ce6b5cad3fbf",
			nonce: "61ee09218d29b0aaed7e154a2c5509cc",
			mac:   "dd3fab2251f11ac759f0887129cc2ee7",
		},
	} {
		var key MACKey
		copy(key.R[:], unhex(t, v.r))
		copy(key.K[:], unhex(t, v.k))
		msg, nonce, mac := unhex(t, v.msg), unhex(t, v.nonce), unhex(t, v.mac)

		tag := key.sum(msg, nonce)
		rtest.Equals(t, mac, tag[:])
		rtest.Assert(t, key.verify(msg, nonce, mac), "MAC %x does not verify", mac)

		mac[0] ^= 1
		rtest.Assert(t, !key.verify(msg, nonce, mac), "modified MAC verifies")
	}
}

// The blob format is IV || AES-256-CTR(plaintext) || MAC, this ciphertext was
// produced by an earlier version and must stay readable.
func TestOpenKnownCiphertext(t *testing.T) {
	var k Key
	copy(k.EncryptionKey[:], unhex(t, "303e8687b1d7db18421bdc6bb8588ccadac4d59ee87b8ff70c44e635790cafef"))
	copy(k.MACKey.K[:], unhex(t, "ef4d8824cb80b2bcc5fbff8a9b12a42c"))
	copy(k.MACKey.R[:], unhex(t, "cc8d4b948ee0ebfe1d415de921d10353"))

	blob := unhex(t, "69fb41c62d12def4593bd71757138606338f621aeaeb39da0fe4f99233f8037a54ea63338a813bcf3f75d8c3cc75dddf8750")
	plaintext, err := k.Open(nil, blob[:ivSize], blob[ivSize:], nil)
	rtest.OK(t, err)
	rtest.Equals(t, "Dies ist ein Test!", string(plaintext))

	// sealing with the same IV reproduces the stored bytes
	sealed := k.Seal(append([]byte{}, blob[:ivSize]...), blob[:ivSize], plaintext, nil)
	rtest.Equals(t, blob, sealed)
}

func TestIsZero(t *testing.T) {
	rtest.Assert(t, isZero(make([]byte, ivSize)), "zero IV not detected")
	for i := 0; i < 50; i++ {
		rtest.Assert(t, !isZero(NewRandomNonce()), "random IV detected as zero")
	}

	var k Key
	rtest.Assert(t, !k.Valid(), "zero key is valid")
	k.EncryptionKey[3] = 1
	k.MACKey.K[0] = 1
	rtest.Assert(t, !k.Valid(), "key without R is valid")
	k.MACKey.R[15] = 1
	rtest.Assert(t, k.Valid(), "complete key is invalid")
}

func TestKeyJSON(t *testing.T) {
	k := NewRandomKey()
	buf, err := json.Marshal(k)
	rtest.OK(t, err)

	var fields map[string]json.RawMessage
	rtest.OK(t, json.Unmarshal(buf, &fields))
	rtest.Assert(t, fields["mac"] != nil && fields["encrypt"] != nil, "unexpected key layout %s", buf)

	var k2 Key
	rtest.OK(t, json.Unmarshal(buf, &k2))
	rtest.Equals(t, *k, k2)
}
