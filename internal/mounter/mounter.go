/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package mounter mounts and unmounts the partitions exposed by a
// connected NBD device. Mount points are a pure function of device and
// partition number, so teardown can rediscover them without any stored
// mapping; unmount nevertheless goes through the live mount table so that
// relocated or already-unmounted entries are handled correctly.
package mounter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerd/containerd/v2/core/mount"
	"github.com/containerd/log"
	"github.com/moby/sys/mountinfo"

	"github.com/spin-stack/nbdmount/internal/hostcfg"
	"github.com/spin-stack/nbdmount/internal/hostcmd"
	"github.com/spin-stack/nbdmount/internal/nbd"
)

// mountPointPrefix names mount points under the mount root:
// device nbd0 partition 1 mounts at <root>/qemu0p1.
const mountPointPrefix = "qemu"

// PartitionMount is a mounted partition.
type PartitionMount struct {
	Partition  nbd.Partition
	FSKind     string
	Mountpoint string
}

// Manager mounts and unmounts partitions.
type Manager struct {
	mountRoot string
	devRoot   string
	owner     hostcfg.User
	runner    hostcmd.Runner

	// Seams for tests; the defaults touch the real host.
	unmountFn func(target string) error
	mounts    func() ([]*mountinfo.Info, error)
	mounted   func(path string) (bool, error)
}

// NewManager returns a Manager operating on the host described by cfg.
func NewManager(cfg *hostcfg.Config, runner hostcmd.Runner) *Manager {
	return &Manager{
		mountRoot: cfg.MountRoot,
		devRoot:   cfg.DevRoot,
		owner:     cfg.Owner,
		runner:    runner,
		unmountFn: func(target string) error {
			return mount.UnmountAll(target, 0)
		},
		mounts: func() ([]*mountinfo.Info, error) {
			return mountinfo.GetMounts(nil)
		},
		mounted: mountinfo.Mounted,
	}
}

// MountPoint derives the mount point for a partition. It is a pure
// function of device and partition number.
func MountPoint(mountRoot string, dev nbd.Device, partition int) string {
	return filepath.Join(mountRoot, fmt.Sprintf("%s%dp%d", mountPointPrefix, dev.Number, partition))
}

// needsOwnerOptions reports whether the filesystem kind lacks native
// permission bits and therefore needs explicit ownership options.
func needsOwnerOptions(kind string) bool {
	kind = strings.ToLower(kind)
	return strings.Contains(kind, "fat") || strings.Contains(kind, "ntfs")
}

// mountOptions selects mount options per filesystem kind. FAT and NTFS
// get the invoking user's uid/gid with umask 022 and fmask 133 so the
// non-root user sees sane ownership; native-permission filesystems trust
// their on-disk modes.
func mountOptions(kind string, owner hostcfg.User) []string {
	if !needsOwnerOptions(kind) {
		return nil
	}
	return []string{fmt.Sprintf("uid=%d,gid=%d,umask=022,fmask=133", owner.UID, owner.GID)}
}

// fsKind probes the filesystem type of a partition node. An empty kind
// means no recognizable filesystem (swap headers, extended-partition
// containers, blank space); such partitions are skipped rather than
// failed.
func (m *Manager) fsKind(ctx context.Context, partPath string) string {
	out, err := m.runner.Run(ctx, "blkid", "-o", "value", "-s", "TYPE", partPath)
	if err != nil {
		log.G(ctx).WithField("partition", partPath).WithError(err).
			Debug("no filesystem detected")
		return ""
	}
	return strings.TrimSpace(string(out))
}

// MountAll mounts every partition with a detectable filesystem. It stops
// at the first mount failure and returns the partitions mounted so far
// together with the error, so the caller can tear them down.
func (m *Manager) MountAll(ctx context.Context, dev nbd.Device, parts []nbd.Partition) ([]PartitionMount, error) {
	var mounted []PartitionMount
	for _, part := range parts {
		partPath := part.Path(m.devRoot)
		kind := m.fsKind(ctx, partPath)
		if kind == "" {
			continue
		}

		target := MountPoint(m.mountRoot, dev, part.Number)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return mounted, &MountError{Partition: part.Name, Target: target, Cause: err}
		}
		if isMounted, err := m.mounted(target); err == nil && isMounted {
			return mounted, &MountError{
				Partition: part.Name,
				Target:    target,
				Cause:     fmt.Errorf("mount point already in use"),
			}
		}

		args := []string{"-t", kind}
		if opts := mountOptions(kind, m.owner); len(opts) > 0 {
			args = append(args, "-o", strings.Join(opts, ","))
		}
		args = append(args, partPath, target)
		if _, err := m.runner.Run(ctx, "mount", args...); err != nil {
			return mounted, &MountError{Partition: part.Name, Target: target, Cause: err}
		}

		log.G(ctx).WithField("partition", part.Name).
			WithField("target", target).
			WithField("fstype", kind).
			Info("mounted")
		mounted = append(mounted, PartitionMount{Partition: part, FSKind: kind, Mountpoint: target})
	}
	return mounted, nil
}

// UnmountAll unmounts everything the live mount table shows under dev,
// deepest mount point first. It aborts at the first failure: continuing
// past a busy mount would let the caller believe teardown succeeded while
// files are still in use. Returns the mount points actually unmounted.
func (m *Manager) UnmountAll(ctx context.Context, dev nbd.Device) ([]string, error) {
	infos, err := m.mounts()
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}

	devPath := dev.Path(m.devRoot)
	var targets []string
	for _, info := range infos {
		if info.Source == devPath || strings.HasPrefix(info.Source, devPath+"p") {
			targets = append(targets, info.Mountpoint)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(targets)))

	var done []string
	for _, target := range targets {
		if err := m.unmountFn(target); err != nil {
			return done, &UnmountError{Target: target, Cause: err}
		}
		log.G(ctx).WithField("target", target).Info("unmounted")
		// Best effort: mount point directories under the fixed namespace
		// are disposable.
		if strings.HasPrefix(target, m.mountRoot+string(os.PathSeparator)) {
			_ = os.Remove(target)
		}
		done = append(done, target)
	}
	return done, nil
}
