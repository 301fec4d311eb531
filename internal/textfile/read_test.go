package textfile

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	rtest "github.com/packvault/packvault/internal/test"
)

func unhex(t testing.TB, s string) []byte {
	buf, err := hex.DecodeString(s)
	rtest.OK(t, err)
	return buf
}

func TestRead(t *testing.T) {
	dir := rtest.TempDir(t)

	for name, test := range map[string]struct {
		data []byte
		want string
	}{
		"plain":    {[]byte("secret password\n"), "secret password\n"},
		"umlauts":  {[]byte("Ööbär"), "Ööbär"},
		"invalid":  {[]byte("\xff\x00abc"), "\xff\x00abc"},
		"utf8-bom": {[]byte("\xef\xbb\xbffööbär"), "fööbär"},
		"utf16-be": {unhex(t, "feff006600f600f6006200e40072"), "fööbär"},
		"utf16-le": {unhex(t, "fffe6600f600f6006200e4007200"), "fööbär"},
		"empty":    {nil, ""},
		"bom-only": {[]byte("\xef\xbb\xbf"), ""},
	} {
		t.Run(name, func(t *testing.T) {
			fn := filepath.Join(dir, name)
			rtest.OK(t, os.WriteFile(fn, test.data, 0o600))

			data, err := Read(fn)
			rtest.OK(t, err)
			rtest.Equals(t, test.want, string(data))
		})
	}
}

func TestReadMissing(t *testing.T) {
	_, err := Read(filepath.Join(rtest.TempDir(t), "missing"))
	rtest.Assert(t, os.IsNotExist(err), "unexpected error %v", err)
}
