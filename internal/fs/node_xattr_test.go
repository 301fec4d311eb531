//go:build darwin || freebsd || netbsd || linux || solaris

package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/packvault/packvault/internal/data"
	rtest "github.com/packvault/packvault/internal/test"

	"github.com/pkg/xattr"
)

func requireXattrSupport(t *testing.T, path string) {
	if err := xattr.LSet(path, "user.probe", []byte("x")); err != nil {
		t.Skipf("filesystem does not support extended attributes: %v", err)
	}
	rtest.OK(t, xattr.LRemove(path, "user.probe"))
}

func setAndVerifyXattr(t *testing.T, file string, attrs []data.ExtendedAttribute) {
	node := &data.Node{
		Type:               data.NodeTypeFile,
		ExtendedAttributes: attrs,
	}
	rtest.OK(t, nodeRestoreExtendedAttributes(node, file))

	nodeActual := &data.Node{
		Type: data.NodeTypeFile,
	}
	rtest.OK(t, nodeFillExtendedAttributes(nodeActual, file, false, nil))

	rtest.Assert(t, nodeActual.Equals(*node), "xattr mismatch got %v expected %v", nodeActual.ExtendedAttributes, node.ExtendedAttributes)
}

func TestOverwriteXattr(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	rtest.OK(t, os.WriteFile(file, []byte("hello world"), 0o600))
	requireXattrSupport(t, file)

	setAndVerifyXattr(t, file, []data.ExtendedAttribute{
		{
			Name:  "user.foo",
			Value: []byte("bar"),
		},
	})

	setAndVerifyXattr(t, file, []data.ExtendedAttribute{
		{
			Name:  "user.other",
			Value: []byte("some"),
		},
	})
}

func TestNodeFromFileInfoXattr(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	rtest.OK(t, os.WriteFile(file, []byte("hello world"), 0o600))
	requireXattrSupport(t, file)
	rtest.OK(t, xattr.LSet(file, "user.foo", []byte("bar")))

	fi, err := Local{}.Lstat(file)
	rtest.OK(t, err)
	node, err := NodeFromFileInfo(Local{}, file, fi, false, nil)
	rtest.OK(t, err)
	rtest.Equals(t, []byte("bar"), node.GetExtendedAttribute("user.foo"))
}
