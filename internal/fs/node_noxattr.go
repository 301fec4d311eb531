//go:build !(darwin || freebsd || netbsd || linux || solaris)

package fs

import "github.com/packvault/packvault/internal/data"

// nodeRestoreExtendedAttributes is a no-op
func nodeRestoreExtendedAttributes(_ *data.Node, _ string) error {
	return nil
}

// nodeFillExtendedAttributes is a no-op
func nodeFillExtendedAttributes(_ *data.Node, _ string, _ bool, _ func(format string, args ...any)) error {
	return nil
}
