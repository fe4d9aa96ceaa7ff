//go:build unix

package workspacefs

import (
	"os"
	"path/filepath"
	"syscall"
)

// statOwnership extracts the uid/gid a directory was chowned to by a prior
// process, used during reconcile to recover orphaned allocations.
func statOwnership(info os.FileInfo) (uid, gid int, ok bool) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(sys.Uid), int(sys.Gid), true
}

// chownRecursive walks root and chowns every entry to uid:gid. Ownership
// transfer requires CAP_CHOWN; when the process runs unprivileged (dev,
// tests) the uid/gid bookkeeping still applies but the chown is skipped.
func chownRecursive(root string, uid, gid int) error {
	if os.Geteuid() != 0 {
		return nil
	}
	return filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chown(path, uid, gid)
	})
}
