package nbd

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/sys/mountinfo"

	"github.com/spin-stack/nbdmount/internal/hostcmd"
)

func testManager(t *testing.T, sysRoot string, fake *hostcmd.Fake, mounts []*mountinfo.Info) *Manager {
	t.Helper()
	return &Manager{
		sysRoot:        sysRoot,
		devRoot:        "/dev",
		settleTimeout:  50 * time.Millisecond,
		settleInterval: 5 * time.Millisecond,
		runner:         fake,
		mounts: func() ([]*mountinfo.Info, error) {
			return mounts, nil
		},
	}
}

func TestConnectIssuesDiscardOptions(t *testing.T) {
	root := t.TempDir()
	writeSysfs(t, root, map[string]*string{
		"nbd0/size":   str("0"),
		"nbd0/nbd0p1": nil,
	})
	fake := &hostcmd.Fake{}
	m := testManager(t, root, fake, nil)

	dev := Device{Name: "nbd0"}
	if err := m.Connect(context.Background(), dev, "/images/disk.qcow2"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	calls := fake.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one command, got %v", calls)
	}
	want := "qemu-nbd -c /dev/nbd0 --discard=unmap --detect-zeroes=unmap /images/disk.qcow2"
	if calls[0] != want {
		t.Errorf("command = %q, want %q", calls[0], want)
	}
}

func TestConnectFailureIsFatal(t *testing.T) {
	root := t.TempDir()
	writeSysfs(t, root, map[string]*string{"nbd0/size": str("0")})
	fake := &hostcmd.Fake{
		Results: map[string]hostcmd.FakeResult{
			"qemu-nbd": {Err: hostcmd.ErrFakeFailure},
		},
	}
	m := testManager(t, root, fake, nil)

	err := m.Connect(context.Background(), Device{Name: "nbd0"}, "/images/disk.qcow2")
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if connErr.Device.Name != "nbd0" {
		t.Errorf("ConnectError.Device = %q, want nbd0", connErr.Device.Name)
	}
}

func TestConnectToleratesMissingPartitions(t *testing.T) {
	// A partition-less image never exposes nbd0p* nodes; the settle poll
	// must give up quietly instead of failing the connect.
	root := t.TempDir()
	writeSysfs(t, root, map[string]*string{"nbd0/size": str("0")})
	fake := &hostcmd.Fake{}
	m := testManager(t, root, fake, nil)

	start := time.Now()
	if err := m.Connect(context.Background(), Device{Name: "nbd0"}, "/images/flat.qcow2"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if elapsed := time.Since(start); elapsed < m.settleTimeout {
		t.Errorf("settle poll returned after %v, expected it to exhaust the %v budget", elapsed, m.settleTimeout)
	}
}

func TestDisconnectRefusesWhileMounted(t *testing.T) {
	root := t.TempDir()
	writeSysfs(t, root, map[string]*string{"nbd0/size": str("2048")})
	fake := &hostcmd.Fake{}
	m := testManager(t, root, fake, []*mountinfo.Info{
		{Source: "/dev/nbd0p1", Mountpoint: "/mnt/qemu0p1"},
		{Source: "/dev/sda1", Mountpoint: "/boot"},
	})

	err := m.Disconnect(context.Background(), Device{Name: "nbd0"})
	var busy *BusyDeviceError
	if !errors.As(err, &busy) {
		t.Fatalf("expected BusyDeviceError, got %v", err)
	}
	if !errors.Is(err, errdefs.ErrFailedPrecondition) {
		t.Errorf("expected failed-precondition classification, got %v", err)
	}
	if len(busy.Mountpoints) != 1 || busy.Mountpoints[0] != "/mnt/qemu0p1" {
		t.Errorf("Mountpoints = %v, want [/mnt/qemu0p1]", busy.Mountpoints)
	}
	if fake.CallCount("qemu-nbd") != 0 {
		t.Error("device must remain connected when mounts exist")
	}
}

func TestDisconnectMatchesRelocatedMounts(t *testing.T) {
	// Mount discovery goes by source device, so a manually relocated
	// mount point still blocks the disconnect.
	root := t.TempDir()
	writeSysfs(t, root, map[string]*string{"nbd0/size": str("2048")})
	m := testManager(t, root, &hostcmd.Fake{}, []*mountinfo.Info{
		{Source: "/dev/nbd0p1", Mountpoint: "/srv/relocated"},
	})

	err := m.Disconnect(context.Background(), Device{Name: "nbd0"})
	var busy *BusyDeviceError
	if !errors.As(err, &busy) {
		t.Fatalf("expected BusyDeviceError, got %v", err)
	}
}

func TestDisconnectWhenClean(t *testing.T) {
	root := t.TempDir()
	writeSysfs(t, root, map[string]*string{"nbd0/size": str("2048")})
	fake := &hostcmd.Fake{}
	m := testManager(t, root, fake, nil)

	if err := m.Disconnect(context.Background(), Device{Name: "nbd0"}); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	calls := fake.Calls()
	if len(calls) != 1 || !strings.HasPrefix(calls[0], "qemu-nbd -d /dev/nbd0") {
		t.Errorf("expected qemu-nbd -d call, got %v", calls)
	}
}
