package local

import "os"

// Can't explicitly flush directory changes on Windows.
func fsyncDir(_ string) error { return nil }

// Read-only files cannot be deleted on Windows.
func setFileReadonly(_ string, _ os.FileMode) error {
	return nil
}
