package crypto

import (
	"bytes"
	"testing"
	"time"
)

func TestCalibrate(t *testing.T) {
	params, err := Calibrate(100*time.Millisecond, 50)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("testing calibrate, params after: %v", params)
}

var testKDFParams = Params{N: 1 << 10, R: 8, P: 1}

func TestKDFDeterministic(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}

	k1, err := KDF(testKDFParams, salt, "geheim")
	if err != nil {
		t.Fatal(err)
	}
	k2, err := KDF(testKDFParams, salt, "geheim")
	if err != nil {
		t.Fatal(err)
	}
	if !k1.Valid() {
		t.Fatal("derived key is not valid")
	}
	if k1.EncryptionKey != k2.EncryptionKey || k1.MACKey != k2.MACKey {
		t.Fatal("same password and salt derived different keys")
	}

	k3, err := KDF(testKDFParams, salt, "other")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1.EncryptionKey[:], k3.EncryptionKey[:]) {
		t.Fatal("different passwords derived the same key")
	}
}

func TestKDFInvalidSalt(t *testing.T) {
	_, err := KDF(testKDFParams, []byte("short"), "geheim")
	if err == nil {
		t.Fatal("KDF accepted a short salt")
	}
}
