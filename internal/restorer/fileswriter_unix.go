//go:build unix

package restorer

import (
	"os"
	"syscall"
)

const oNoFollow = syscall.O_NOFOLLOW

func linkCount(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Nlink)
	}
	return 1
}
