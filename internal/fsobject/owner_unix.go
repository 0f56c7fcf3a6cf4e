//go:build darwin || linux

package fsobject

import (
	"os"
	"syscall"
)

// owner extracts the numeric owner from the platform stat structure.
func owner(stat os.FileInfo) (uid, gid uint32) {
	if sys, ok := stat.Sys().(*syscall.Stat_t); ok {
		return sys.Uid, sys.Gid
	}
	return 0, 0
}
