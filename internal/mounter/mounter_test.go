package mounter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/moby/sys/mountinfo"

	"github.com/spin-stack/nbdmount/internal/hostcfg"
	"github.com/spin-stack/nbdmount/internal/hostcmd"
	"github.com/spin-stack/nbdmount/internal/nbd"
)

func testOwner() hostcfg.User {
	return hostcfg.User{Name: "alice", UID: 1000, GID: 1000}
}

func testManager(t *testing.T, fake *hostcmd.Fake, infos []*mountinfo.Info) *Manager {
	t.Helper()
	return &Manager{
		mountRoot: t.TempDir(),
		devRoot:   "/dev",
		owner:     testOwner(),
		runner:    fake,
		unmountFn: func(string) error { return nil },
		mounts: func() ([]*mountinfo.Info, error) {
			return infos, nil
		},
		mounted: func(string) (bool, error) { return false, nil },
	}
}

func TestMountPointIsPure(t *testing.T) {
	dev := nbd.Device{Name: "nbd0", Number: 0}
	want := "/mnt/qemu0p1"
	for i := 0; i < 3; i++ {
		if got := MountPoint("/mnt", dev, 1); got != want {
			t.Fatalf("MountPoint = %q, want %q", got, want)
		}
	}
	if got := MountPoint("/mnt", nbd.Device{Name: "nbd12", Number: 12}, 3); got != "/mnt/qemu12p3" {
		t.Errorf("MountPoint = %q, want /mnt/qemu12p3", got)
	}
}

func TestMountOptionsPerFilesystemKind(t *testing.T) {
	owner := testOwner()
	tests := []struct {
		kind      string
		wantOwner bool
	}{
		{"vfat", true},
		{"ntfs", true},
		{"ntfs3", true},
		{"exfat", true},
		{"ext4", false},
		{"xfs", false},
		{"btrfs", false},
	}
	for _, tt := range tests {
		opts := mountOptions(tt.kind, owner)
		if tt.wantOwner {
			if len(opts) != 1 || opts[0] != "uid=1000,gid=1000,umask=022,fmask=133" {
				t.Errorf("mountOptions(%q) = %v", tt.kind, opts)
			}
		} else if len(opts) != 0 {
			t.Errorf("mountOptions(%q) = %v, want none", tt.kind, opts)
		}
	}
}

func TestMountAllUsesKindSpecificOptions(t *testing.T) {
	fake := &hostcmd.Fake{
		Respond: func(name string, args ...string) hostcmd.FakeResult {
			if name != "blkid" {
				return hostcmd.FakeResult{}
			}
			part := args[len(args)-1]
			switch part {
			case "/dev/nbd0p1":
				return hostcmd.FakeResult{Output: []byte("vfat\n")}
			case "/dev/nbd0p2":
				return hostcmd.FakeResult{Output: []byte("ext4\n")}
			default:
				return hostcmd.FakeResult{Err: hostcmd.ErrFakeFailure}
			}
		},
	}
	m := testManager(t, fake, nil)

	dev := nbd.Device{Name: "nbd0", Number: 0}
	parts := []nbd.Partition{
		{Device: dev, Number: 1, Name: "nbd0p1"},
		{Device: dev, Number: 2, Name: "nbd0p2"},
		{Device: dev, Number: 3, Name: "nbd0p3"}, // no filesystem, skipped
	}
	mounted, err := m.MountAll(context.Background(), dev, parts)
	if err != nil {
		t.Fatalf("MountAll: %v", err)
	}
	if len(mounted) != 2 {
		t.Fatalf("mounted %d partitions, want 2: %+v", len(mounted), mounted)
	}

	var mountCalls []string
	for _, c := range fake.Calls() {
		if strings.HasPrefix(c, "mount ") {
			mountCalls = append(mountCalls, c)
		}
	}
	if len(mountCalls) != 2 {
		t.Fatalf("mount invoked %d times, want 2: %v", len(mountCalls), mountCalls)
	}
	if !strings.Contains(mountCalls[0], "-t vfat") ||
		!strings.Contains(mountCalls[0], "uid=1000,gid=1000,umask=022,fmask=133") {
		t.Errorf("vfat mount lacks ownership options: %q", mountCalls[0])
	}
	if strings.Contains(mountCalls[1], "uid=") {
		t.Errorf("ext4 mount must not carry ownership options: %q", mountCalls[1])
	}
	if mounted[0].Mountpoint != MountPoint(m.mountRoot, dev, 1) {
		t.Errorf("mountpoint %q does not follow deterministic naming", mounted[0].Mountpoint)
	}
}

func TestMountAllAbortsOnFirstFailure(t *testing.T) {
	fake := &hostcmd.Fake{
		Respond: func(name string, args ...string) hostcmd.FakeResult {
			switch name {
			case "blkid":
				return hostcmd.FakeResult{Output: []byte("ext4\n")}
			case "mount":
				if strings.Contains(strings.Join(args, " "), "nbd0p2") {
					return hostcmd.FakeResult{Err: hostcmd.ErrFakeFailure}
				}
			}
			return hostcmd.FakeResult{}
		},
	}
	m := testManager(t, fake, nil)

	dev := nbd.Device{Name: "nbd0", Number: 0}
	parts := []nbd.Partition{
		{Device: dev, Number: 1, Name: "nbd0p1"},
		{Device: dev, Number: 2, Name: "nbd0p2"},
		{Device: dev, Number: 3, Name: "nbd0p3"},
	}
	mounted, err := m.MountAll(context.Background(), dev, parts)
	var mountErr *MountError
	if !errors.As(err, &mountErr) {
		t.Fatalf("expected MountError, got %v", err)
	}
	if mountErr.Partition != "nbd0p2" {
		t.Errorf("failed partition = %q, want nbd0p2", mountErr.Partition)
	}
	if len(mounted) != 1 {
		t.Errorf("partial result = %+v, want the one successful mount", mounted)
	}
	// The third partition must never have been attempted.
	for _, c := range fake.Calls() {
		if strings.HasPrefix(c, "mount ") && strings.Contains(c, "nbd0p3") {
			t.Error("mount attempted past the first failure")
		}
	}
}

func TestUnmountAllUsesLiveMountTable(t *testing.T) {
	var unmounted []string
	m := testManager(t, &hostcmd.Fake{}, []*mountinfo.Info{
		{Source: "/dev/nbd0p1", Mountpoint: "/mnt/qemu0p1"},
		{Source: "/dev/nbd0p2", Mountpoint: "/srv/relocated"},
		{Source: "/dev/nbd1p1", Mountpoint: "/mnt/qemu1p1"},
		{Source: "/dev/sda1", Mountpoint: "/"},
	})
	m.unmountFn = func(target string) error {
		unmounted = append(unmounted, target)
		return nil
	}

	done, err := m.UnmountAll(context.Background(), nbd.Device{Name: "nbd0", Number: 0})
	if err != nil {
		t.Fatalf("UnmountAll: %v", err)
	}
	if len(done) != 2 {
		t.Fatalf("unmounted %v, want 2 entries", done)
	}
	for _, target := range unmounted {
		if target == "/mnt/qemu1p1" || target == "/" {
			t.Errorf("unmounted unrelated target %q", target)
		}
	}
}

func TestUnmountAllAbortsOnBusyMount(t *testing.T) {
	busy := fmt.Errorf("device is busy")
	m := testManager(t, &hostcmd.Fake{}, []*mountinfo.Info{
		{Source: "/dev/nbd0p1", Mountpoint: "/mnt/qemu0p1"},
		{Source: "/dev/nbd0p2", Mountpoint: "/mnt/qemu0p2"},
	})
	m.unmountFn = func(target string) error {
		if target == "/mnt/qemu0p2" {
			return busy
		}
		return nil
	}

	done, err := m.UnmountAll(context.Background(), nbd.Device{Name: "nbd0", Number: 0})
	var unmountErr *UnmountError
	if !errors.As(err, &unmountErr) {
		t.Fatalf("expected UnmountError, got %v", err)
	}
	if !errors.Is(err, busy) {
		t.Errorf("cause not preserved: %v", err)
	}
	// Reverse-sorted order means qemu0p2 is attempted first and fails, so
	// nothing was unmounted before the abort.
	if len(done) != 0 {
		t.Errorf("done = %v, want none before the failure", done)
	}
}
