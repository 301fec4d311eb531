package dump

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
)

// aclXattrs maps the Linux ACL attribute names to the PAX record keys GNU tar
// and star use for the POSIX.1e text form.
var aclXattrs = map[string]string{
	"system.posix_acl_access":  "SCHILY.acl.access",
	"system.posix_acl_default": "SCHILY.acl.default",
}

// paxRecords converts the extended attributes of a node to PAX records.
// ACLs that cannot be decoded are skipped, other system attributes are not
// exported.
func paxRecords(attrs []data.ExtendedAttribute) map[string]string {
	records := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		key, isACL := aclXattrs[attr.Name]
		switch {
		case isACL:
			text, err := formatLinuxACL(attr.Value)
			if err != nil {
				debug.Log("skipping ACL %v: %v", attr.Name, err)
				continue
			}
			records[key] = text
		case !strings.HasPrefix(attr.Name, "system."):
			records["SCHILY.xattr."+attr.Name] = string(attr.Value)
		}
	}
	return records
}

// aclEntry is one entry of the binary Linux ACL, see acl(5).
type aclEntry struct {
	Tag  uint16
	Perm uint16
	ID   uint32
}

const aclVersion = 2

// prefixes of the entries by tag; tags marked with an ID carry a uid or gid
var aclTags = map[uint16]struct {
	prefix string
	withID bool
}{
	0x01: {"user:", false},
	0x02: {"user:", true},
	0x04: {"group:", false},
	0x08: {"group:", true},
	0x10: {"mask:", false},
	0x20: {"other:", false},
}

// formatLinuxACL renders a binary Linux ACL in the POSIX.1e long text form.
// IDs stay numeric since the snapshot may come from another machine.
func formatLinuxACL(buf []byte) (string, error) {
	if len(buf) < 4 || (len(buf)-4)%8 != 0 {
		return "", errors.Errorf("ACL has invalid length %d", len(buf))
	}

	rd := bytes.NewReader(buf)
	var version uint32
	if err := binary.Read(rd, binary.LittleEndian, &version); err != nil {
		return "", err
	}
	if version != aclVersion {
		return "", errors.Errorf("unsupported ACL version %d", version)
	}

	var sb strings.Builder
	for {
		var e aclEntry
		err := binary.Read(rd, binary.LittleEndian, &e)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		tag, ok := aclTags[e.Tag]
		if !ok {
			return "", errors.Errorf("unknown ACL tag %#x", e.Tag)
		}
		sb.WriteString(tag.prefix)
		if tag.withID {
			fmt.Fprintf(&sb, "%d", e.ID)
		}
		sb.WriteByte(':')
		for i, c := range "rwx" {
			if e.Perm&(4>>i) != 0 {
				sb.WriteRune(c)
			} else {
				sb.WriteByte('-')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
