//go:build windows

package workspacefs

import "os"

// statOwnership has no uid/gid analogue on Windows; reconcile degrades to
// "nothing recoverable" and Allocate always starts from the low end of the
// configured range.
func statOwnership(_ os.FileInfo) (uid, gid int, ok bool) {
	return 0, 0, false
}

// chownRecursive is a no-op on Windows, which has no POSIX uid/gid model.
func chownRecursive(_ string, _, _ int) error {
	return nil
}
