package nbd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/moby/sys/mountinfo"

	"github.com/spin-stack/nbdmount/internal/hostcfg"
	"github.com/spin-stack/nbdmount/internal/hostcmd"
)

// Manager connects images to NBD devices and disconnects them.
type Manager struct {
	sysRoot        string
	devRoot        string
	settleTimeout  time.Duration
	settleInterval time.Duration
	runner         hostcmd.Runner

	// mounts reads the live mount table; replaced in tests.
	mounts func() ([]*mountinfo.Info, error)
}

// NewManager returns a Manager operating on the host described by cfg.
func NewManager(cfg *hostcfg.Config, runner hostcmd.Runner) *Manager {
	return &Manager{
		sysRoot:        cfg.SysRoot,
		devRoot:        cfg.DevRoot,
		settleTimeout:  cfg.SettleTimeout,
		settleInterval: cfg.SettleInterval,
		runner:         runner,
		mounts: func() ([]*mountinfo.Info, error) {
			return mountinfo.GetMounts(nil)
		},
	}
}

// LoadModule loads the nbd kernel module. modprobe is idempotent, so this
// is safe to call before every allocation.
func (m *Manager) LoadModule(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, "modprobe", "nbd"); err != nil {
		return fmt.Errorf("load nbd module: %w", err)
	}
	return nil
}

// Allocate selects an unused device slot.
func (m *Manager) Allocate() (Device, error) {
	return Allocate(m.sysRoot)
}

// Partitions lists partition nodes currently exposed under dev.
func (m *Manager) Partitions(dev Device) ([]Partition, error) {
	return Partitions(m.sysRoot, dev)
}

// Connect binds image to dev with discard and zero-detection enabled so
// freed blocks propagate back into the image file, then waits (bounded)
// for the kernel to expose partition nodes.
func (m *Manager) Connect(ctx context.Context, dev Device, image string) error {
	_, err := m.runner.Run(ctx, "qemu-nbd",
		"-c", dev.Path(m.devRoot),
		"--discard=unmap",
		"--detect-zeroes=unmap",
		image)
	if err != nil {
		return &ConnectError{Device: dev, Image: image, Cause: err}
	}

	m.waitForPartitions(ctx, dev)
	return nil
}

// waitForPartitions polls sysfs until dev exposes at least one partition
// node or the settle budget is spent. Timing out is not an error: images
// without a partition table never expose any.
func (m *Manager) waitForPartitions(ctx context.Context, dev Device) {
	deadline := time.Now().Add(m.settleTimeout)
	for {
		parts, err := Partitions(m.sysRoot, dev)
		if err == nil && len(parts) > 0 {
			return
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			log.G(ctx).WithField("device", dev.Name).
				Debug("no partition nodes appeared within settle budget")
			return
		}
		time.Sleep(m.settleInterval)
	}
}

// Disconnect detaches dev. It refuses while the live mount table still
// shows mounts backed by the device: data loss from a forced detach
// outranks completing the operation.
func (m *Manager) Disconnect(ctx context.Context, dev Device) error {
	busy, err := m.mountedUnder(dev)
	if err != nil {
		return fmt.Errorf("inspect mounts of %s: %w", dev.Name, err)
	}
	if len(busy) > 0 {
		return &BusyDeviceError{Device: dev, Mountpoints: busy}
	}

	if _, err := m.runner.Run(ctx, "qemu-nbd", "-d", dev.Path(m.devRoot)); err != nil {
		return fmt.Errorf("disconnect %s: %w", dev.Name, err)
	}
	return nil
}

// mountedUnder returns mount points whose source is the device or one of
// its partitions. Matching on the source rather than the deterministic
// mount-point names also catches mounts that were manually relocated.
func (m *Manager) mountedUnder(dev Device) ([]string, error) {
	infos, err := m.mounts()
	if err != nil {
		return nil, err
	}

	devPath := dev.Path(m.devRoot)
	var targets []string
	for _, info := range infos {
		if info.Source == devPath || strings.HasPrefix(info.Source, devPath+"p") {
			targets = append(targets, info.Mountpoint)
		}
	}
	return targets, nil
}
