//go:build !unix

package terminal

// IsProcessBackground always returns false on this platform.
func IsProcessBackground(uintptr) bool {
	return false
}
