//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build aix darwin dragonfly freebsd linux netbsd openbsd solaris

package backend

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/evfs-project/evfs/errs"
)

// lockFile takes a non-blocking advisory exclusive lock on f. evfs is
// explicitly single-process/single-writer (spec non-goal); this only guards
// against a second accidental Open/Create of the same path racing on the
// same host.
func lockFile(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errs.AlreadyExists("backing file %q is already locked: %v", f.Name(), err)
	}
	return nil
}

func unlockFile(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
