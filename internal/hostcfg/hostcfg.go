// Package hostcfg holds the explicit host configuration passed into every
// component. Nothing in the tool reads ambient environment state after the
// Config has been built; tests substitute the proc/sys/dev roots with
// temporary trees.
package hostcfg

import (
	"fmt"
	"os/user"
	"strconv"
	"time"
)

// Default locations on a stock Linux host.
const (
	DefaultProcRoot    = "/proc"
	DefaultSysRoot     = "/sys"
	DefaultDevRoot     = "/dev"
	DefaultMountRoot   = "/mnt"
	DefaultScratchRoot = "/tmp"
)

// DefaultSettleTimeout bounds how long Connect waits for the kernel to
// expose partition nodes after a device connect. Zero partitions after the
// timeout is a legal outcome (partition-less images exist).
const DefaultSettleTimeout = 3 * time.Second

// DefaultSettleInterval is the poll interval used while waiting for
// partition nodes to appear.
const DefaultSettleInterval = 50 * time.Millisecond

// User identifies the invoking (non-elevated) user. FAT and NTFS mounts
// and the snapshot scratch directory are owned by this user rather than
// root.
type User struct {
	Name string
	UID  int
	GID  int
}

// Config is the host configuration shared by all components.
type Config struct {
	// ProcRoot is the procfs mount point used for process-table scans.
	ProcRoot string
	// SysRoot is the sysfs mount point used for block topology scans.
	SysRoot string
	// DevRoot is where block device nodes live.
	DevRoot string
	// MountRoot is the fixed namespace under which partition mount
	// points are created (e.g. /mnt/qemu0p1).
	MountRoot string
	// ScratchRoot is the temporary-files root housing the per-user
	// snapshot overlay directory.
	ScratchRoot string
	// Owner is the invoking user applied to scratch files and to mounts
	// of filesystems without native permission bits.
	Owner User
	// SettleTimeout bounds the post-connect partition poll.
	SettleTimeout time.Duration
	// SettleInterval is the partition poll interval.
	SettleInterval time.Duration
}

// Default returns a Config for the real host, with the owner left unset.
func Default() *Config {
	return &Config{
		ProcRoot:       DefaultProcRoot,
		SysRoot:        DefaultSysRoot,
		DevRoot:        DefaultDevRoot,
		MountRoot:      DefaultMountRoot,
		ScratchRoot:    DefaultScratchRoot,
		SettleTimeout:  DefaultSettleTimeout,
		SettleInterval: DefaultSettleInterval,
	}
}

// envFunc looks up an environment variable, reporting whether it was set.
// It matches os.LookupEnv and exists so tests can fake the sudo variables.
type envFunc func(key string) (string, bool)

// InvokingUser resolves the user that invoked the tool. Under sudo the
// SUDO_* variables identify the pre-elevation user; otherwise the current
// user is the invoking user.
func InvokingUser(lookupEnv envFunc) (User, error) {
	if name, ok := lookupEnv("SUDO_USER"); ok && name != "" {
		uidStr, _ := lookupEnv("SUDO_UID")
		gidStr, _ := lookupEnv("SUDO_GID")
		uid, err := strconv.Atoi(uidStr)
		if err != nil {
			return User{}, fmt.Errorf("parse SUDO_UID %q: %w", uidStr, err)
		}
		gid, err := strconv.Atoi(gidStr)
		if err != nil {
			return User{}, fmt.Errorf("parse SUDO_GID %q: %w", gidStr, err)
		}
		return User{Name: name, UID: uid, GID: gid}, nil
	}

	cur, err := user.Current()
	if err != nil {
		return User{}, fmt.Errorf("resolve current user: %w", err)
	}
	uid, err := strconv.Atoi(cur.Uid)
	if err != nil {
		return User{}, fmt.Errorf("parse uid %q: %w", cur.Uid, err)
	}
	gid, err := strconv.Atoi(cur.Gid)
	if err != nil {
		return User{}, fmt.Errorf("parse gid %q: %w", cur.Gid, err)
	}
	return User{Name: cur.Username, UID: uid, GID: gid}, nil
}
