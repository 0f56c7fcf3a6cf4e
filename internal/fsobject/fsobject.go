// Package fsobject captures a point-in-time description of a filesystem
// object: size, mode, timestamps, ownership, and — for regular files — a
// BLAKE3 digest of the contents. The monitor attaches an Info to every
// change record so downstream consumers can tell a metadata-only change from
// a content change.
package fsobject

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zeebo/blake3"
)

// Info describes one filesystem object at the moment it was stat'ed.
type Info struct {
	// Path is the absolute path the object was observed at.
	Path string `json:"path"`
	// Hash is the hex-encoded BLAKE3 digest of the contents. Empty for
	// non-regular files and for objects that vanished before hashing.
	Hash string `json:"hash,omitempty"`
	// Size is the object size in bytes.
	Size int64 `json:"size"`
	// Mode is the file mode and permission bits.
	Mode os.FileMode `json:"mode"`
	// ModTime is the last modification time.
	ModTime time.Time `json:"mod_time"`
	// UID and GID identify the owner. Zero on platforms where ownership
	// is not reported.
	UID uint32 `json:"uid"`
	GID uint32 `json:"gid"`
}

// New stats path and, for regular files, hashes its contents. Symlinks are
// described rather than followed.
func New(path string) (Info, error) {
	stat, err := os.Lstat(path)
	if err != nil {
		return Info{}, fmt.Errorf("fsobject: stat %q: %w", path, err)
	}

	info := Info{
		Path:    path,
		Size:    stat.Size(),
		Mode:    stat.Mode(),
		ModTime: stat.ModTime(),
	}
	info.UID, info.GID = owner(stat)

	if stat.Mode().IsRegular() {
		info.Hash, err = hashFile(path)
		if err != nil {
			return Info{}, err
		}
	}

	return info, nil
}

// hashFile returns the hex BLAKE3 digest of the file contents.
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fsobject: open %q: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("fsobject: hash %q: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
