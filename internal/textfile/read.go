// Package textfile reads text files such as password and pattern files,
// converting UTF-16 to UTF-8 when the file starts with a byte order mark.
package textfile

import (
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decode strips a UTF-8 or UTF-16 byte order mark and returns the content as
// UTF-8. Without a byte order mark data is returned unchanged.
func Decode(data []byte) ([]byte, error) {
	out, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), data)
	return out, err
}

// Read returns the decoded content of filename.
func Read(filename string) ([]byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
