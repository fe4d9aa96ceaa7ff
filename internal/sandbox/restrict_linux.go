//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"

	landlock "github.com/landlock-lsm/go-landlock/landlock"
	"golang.org/x/sys/unix"
)

// ApplyRestrictions is run by cmd/sandbox-init in the forked child, before
// it execs the real agent argv. Ordering matters:
//
//  1. Network denial first, while the child still carries the
//     orchestrator's privileges — CLONE_NEWNET needs CAP_SYS_ADMIN, which
//     is gone the moment the uid/gid drop happens.
//  2. Then the drop to the workspace's uid/gid.
//  3. Then the Landlock allowlist, which works unprivileged. Landlock
//     rules are inherited by children but can only be tightened, never
//     loosened, by a later exec, which is exactly the one-way ratchet
//     this sandbox wants.
func ApplyRestrictions(cap Capability) error {
	if !cap.AllowNetwork {
		if err := denyNetwork(); err != nil {
			// Fail closed: running with network access a capability
			// explicitly denies is worse than not running at all.
			return fmt.Errorf("sandbox: deny network: %w", err)
		}
	}

	if err := dropPrivileges(cap.UID, cap.GID); err != nil {
		return fmt.Errorf("sandbox: drop privileges: %w", err)
	}

	var rules []landlock.Rule

	if cap.WorkDir != "" {
		rules = append(rules, landlock.RWDirs(cap.WorkDir))
	}
	for _, p := range cap.ReadOnlyPaths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			rules = append(rules, landlock.ROFiles(p))
		} else if err == nil {
			rules = append(rules, landlock.RODirs(p))
		}
	}
	for _, p := range cap.ReadWritePaths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			rules = append(rules, landlock.RWFiles(p))
		} else if err == nil {
			rules = append(rules, landlock.RWDirs(p))
		}
	}

	if err := landlock.V6.BestEffort().RestrictPaths(rules...); err != nil {
		return fmt.Errorf("sandbox: landlock restrict: %w", err)
	}

	return nil
}

// denyNetwork moves the process into a fresh network namespace with no
// interfaces, so connect calls fail. Must run before the uid/gid drop.
func denyNetwork() error {
	err := unix.Unshare(unix.CLONE_NEWNET)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EPERM) {
		// Unprivileged (dev) runs: a fresh user namespace grants the
		// capabilities needed to unshare the network namespace inside it.
		if err2 := unix.Unshare(unix.CLONE_NEWUSER | unix.CLONE_NEWNET); err2 == nil {
			return nil
		}
	}
	return err
}

// dropPrivileges switches the process to the workspace's uid/gid. A no-op
// when the process is already unprivileged (dev/test runs, or inside the
// denyNetwork user-namespace fallback, where euid is no longer 0).
func dropPrivileges(uid, gid int) error {
	if os.Geteuid() != 0 {
		return nil
	}
	if gid > 0 {
		if err := unix.Setgroups([]int{gid}); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid %d: %w", gid, err)
		}
	}
	if uid > 0 {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("setuid %d: %w", uid, err)
		}
	}
	return nil
}
