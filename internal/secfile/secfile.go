// Package secfile validates filesystem permissions on secret material.
//
// The auth sub-daemon refuses to start when the pepper, the private JWK, or
// the user database are readable by anyone but the owning user, or when any
// parent directory is writable by group or others. These checks are the only
// place in the codebase that enforces secret-file ACLs.
package secfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrCheckAccess is the sentinel wrapped by all permission failures.
var ErrCheckAccess = errors.New("secret file access check failed")

// MaxSecretMode is the widest mode a secret content file may carry.
const MaxSecretMode = fs.FileMode(0o400)

// CheckSecret verifies that path is a regular file owned by the effective
// user, with mode no wider than 0400, and that every parent directory up to
// the root is neither group- nor world-writable.
func CheckSecret(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: resolving %q: %v", ErrCheckAccess, path, err)
	}

	var st unix.Stat_t
	if err := unix.Stat(abs, &st); err != nil {
		return fmt.Errorf("%w: stat %q: %v", ErrCheckAccess, abs, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return fmt.Errorf("%w: %q is not a regular file", ErrCheckAccess, abs)
	}
	if uid := os.Geteuid(); int(st.Uid) != uid {
		return fmt.Errorf("%w: %q owned by uid %d, expected %d", ErrCheckAccess, abs, st.Uid, uid)
	}
	if perm := fs.FileMode(st.Mode & 0o777); perm&^MaxSecretMode != 0 {
		return fmt.Errorf("%w: %q has mode %04o, want at most %04o", ErrCheckAccess, abs, perm, MaxSecretMode)
	}

	return checkParents(abs)
}

// checkParents walks from the file's directory up to the filesystem root and
// rejects any directory writable by group or others. A world-writable parent
// would let an attacker swap the secret via rename. Sticky directories
// (/tmp-style) are tolerated: the sticky bit already blocks renames of
// entries the writer does not own.
func checkParents(abs string) error {
	dir := filepath.Dir(abs)
	for {
		var st unix.Stat_t
		if err := unix.Stat(dir, &st); err != nil {
			return fmt.Errorf("%w: stat %q: %v", ErrCheckAccess, dir, err)
		}
		if st.Mode&(unix.S_IWGRP|unix.S_IWOTH) != 0 && st.Mode&unix.S_ISVTX == 0 {
			return fmt.Errorf("%w: directory %q is group- or world-writable", ErrCheckAccess, dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}
