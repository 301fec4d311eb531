package main

import (
	"testing"
	"time"

	"github.com/packvault/packvault/internal/data"
	rtest "github.com/packvault/packvault/internal/test"
)

func TestFormatNode(t *testing.T) {
	testModTime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.Local)

	for _, c := range []struct {
		path string
		data.Node
		long   bool
		human  bool
		expect string
	}{
		{
			path: "/test/path",
			Node: data.Node{
				Name:    "baz",
				Type:    data.NodeTypeFile,
				Size:    14680064,
				UID:     1000,
				GID:     2000,
				ModTime: testModTime,
			},
			long:   false,
			expect: "/test/path",
		},
		{
			path: "/test/path",
			Node: data.Node{
				Name:    "baz",
				Type:    data.NodeTypeFile,
				Size:    14680064,
				UID:     1000,
				GID:     2000,
				ModTime: testModTime,
			},
			long:   true,
			expect: "----------  1000  2000 14680064 2020-01-02 03:04:05 /test/path",
		},
		{
			path: "/test/path",
			Node: data.Node{
				Name:    "baz",
				Type:    data.NodeTypeFile,
				Size:    14680064,
				UID:     1000,
				GID:     2000,
				ModTime: testModTime,
			},
			long:   true,
			human:  true,
			expect: "----------  1000  2000 14.000 MiB 2020-01-02 03:04:05 /test/path",
		},
		{
			path: "/test/link",
			Node: data.Node{
				Name:       "link",
				Type:       data.NodeTypeSymlink,
				Mode:       0o777,
				LinkTarget: "target",
				ModTime:    testModTime,
			},
			long:   true,
			expect: "Lrwxrwxrwx     0     0      0 2020-01-02 03:04:05 /test/link -> target",
		},
		{
			path: "/test/dir",
			Node: data.Node{
				Name:    "dir",
				Type:    data.NodeTypeDir,
				Mode:    0o755,
				ModTime: testModTime,
			},
			long:   true,
			expect: "drwxr-xr-x     0     0      0 2020-01-02 03:04:05 /test/dir",
		},
	} {
		r := formatNode(c.path, &c.Node, c.long, c.human)
		rtest.Equals(t, c.expect, r)
	}
}
