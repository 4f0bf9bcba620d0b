// Package ops composes the device, mount, overlay and state-resolution
// layers into the four user-facing operations: mount, unmount, trim and
// compress. Every operation re-derives host state from a fresh snapshot;
// nothing is remembered between invocations, so an interrupted run is
// always recoverable by re-running the inverse operation.
package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/nbdmount/internal/hostcfg"
	"github.com/spin-stack/nbdmount/internal/hostcmd"
	"github.com/spin-stack/nbdmount/internal/hoststate"
	"github.com/spin-stack/nbdmount/internal/mounter"
	"github.com/spin-stack/nbdmount/internal/nbd"
	"github.com/spin-stack/nbdmount/internal/overlay"
	"github.com/spin-stack/nbdmount/internal/qemuimg"
)

// imageExt is the fixed extension identifying disk images.
const imageExt = ".qcow2"

// deviceManager is the slice of nbd.Manager the operations need.
type deviceManager interface {
	LoadModule(ctx context.Context) error
	Allocate() (nbd.Device, error)
	Connect(ctx context.Context, dev nbd.Device, image string) error
	Disconnect(ctx context.Context, dev nbd.Device) error
	Partitions(dev nbd.Device) ([]nbd.Partition, error)
}

// partitionMounter is the slice of mounter.Manager the operations need.
type partitionMounter interface {
	MountAll(ctx context.Context, dev nbd.Device, parts []nbd.Partition) ([]mounter.PartitionMount, error)
	UnmountAll(ctx context.Context, dev nbd.Device) ([]string, error)
}

// overlayProvisioner is the slice of overlay.Provisioner the operations need.
type overlayProvisioner interface {
	Ensure(ctx context.Context, base string) (string, error)
	OverlayPath(base string) string
}

// Operations carries the wired-up collaborators. Tests substitute each
// seam with a fake.
type Operations struct {
	cfg      *hostcfg.Config
	runner   hostcmd.Runner
	devices  deviceManager
	mounts   partitionMounter
	overlays overlayProvisioner
	collect  func() (*hoststate.State, error)
	usage    func(ctx context.Context, path string) (int64, error)
	stdout   io.Writer
}

// New wires up Operations against the real host described by cfg.
func New(cfg *hostcfg.Config, runner hostcmd.Runner) *Operations {
	return &Operations{
		cfg:      cfg,
		runner:   runner,
		devices:  nbd.NewManager(cfg, runner),
		mounts:   mounter.NewManager(cfg, runner),
		overlays: overlay.NewProvisioner(cfg, runner),
		collect: func() (*hoststate.State, error) {
			return hoststate.Collect(cfg)
		},
		usage:  qemuimg.AllocatedBytes,
		stdout: os.Stdout,
	}
}

// backingFile maps a target image to the file actually connected to a
// device: base images are always used through their overlay.
func (o *Operations) backingFile(image string) string {
	if overlay.IsBase(image) {
		return o.overlays.OverlayPath(image)
	}
	return image
}

// Mount binds image (or its overlay) to a free device and mounts its
// partitions. Mounting an already-bound image is a no-op.
func (o *Operations) Mount(ctx context.Context, image string) error {
	_, _, err := o.mountImage(ctx, image)
	return err
}

// mountImage performs the bind+mount sequence and reports the device and
// mount points, reusing an existing binding when one is live.
func (o *Operations) mountImage(ctx context.Context, image string) (nbd.Device, []string, error) {
	state, err := o.collect()
	if err != nil {
		return nbd.Device{}, nil, err
	}

	backing := o.backingFile(image)
	if b := state.BindingFor(backing); b != nil {
		var mps []string
		for _, info := range state.MountsUnder(b.Device.Path(o.cfg.DevRoot)) {
			mps = append(mps, info.Mountpoint)
		}
		log.G(ctx).WithField("image", image).
			WithField("device", b.Device.Name).
			Info("already bound")
		return b.Device, mps, nil
	}

	if overlay.IsBase(image) {
		backing, err = o.overlays.Ensure(ctx, image)
		if err != nil {
			return nbd.Device{}, nil, err
		}
	}

	// Best effort: devices may be compiled into the kernel.
	if err := o.devices.LoadModule(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("could not load nbd module")
	}

	dev, err := o.devices.Allocate()
	if err != nil {
		return nbd.Device{}, nil, err
	}
	if err := o.devices.Connect(ctx, dev, backing); err != nil {
		return dev, nil, err
	}

	parts, err := o.devices.Partitions(dev)
	if err != nil {
		return dev, nil, err
	}
	mounted, err := o.mounts.MountAll(ctx, dev, parts)
	mps := make([]string, 0, len(mounted))
	for _, pm := range mounted {
		mps = append(mps, pm.Mountpoint)
	}
	if err != nil {
		return dev, mps, err
	}

	log.G(ctx).WithField("image", image).
		WithField("device", dev.Name).
		WithField("mounts", len(mps)).
		Info("image mounted")
	return dev, mps, nil
}

// Unmount unmounts everything under the image's device and disconnects it.
// Any unmount failure aborts before the disconnect: a device is never
// detached with live mounts.
func (o *Operations) Unmount(ctx context.Context, image string) error {
	state, err := o.collect()
	if err != nil {
		return err
	}

	b := state.BindingFor(o.backingFile(image))
	if b == nil {
		return fmt.Errorf("%s is not bound to any device: %w", image, errdefs.ErrNotFound)
	}
	return o.teardown(ctx, b.Device, image)
}

// teardown is the shared unmount-then-disconnect tail.
func (o *Operations) teardown(ctx context.Context, dev nbd.Device, image string) error {
	if _, err := o.mounts.UnmountAll(ctx, dev); err != nil {
		return err
	}
	if err := o.devices.Disconnect(ctx, dev); err != nil {
		return err
	}
	log.G(ctx).WithField("image", image).
		WithField("device", dev.Name).
		Info("image unmounted")
	return nil
}

// Targets expands the command arguments: with all set, every currently
// bound image becomes a target.
func (o *Operations) Targets(args []string, all bool) ([]string, error) {
	if all {
		state, err := o.collect()
		if err != nil {
			return nil, err
		}
		var targets []string
		for _, b := range state.Bindings() {
			targets = append(targets, b.BackingFile)
		}
		return targets, nil
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("no image given (use -a for all bound images): %w", errdefs.ErrInvalidArgument)
	}
	return args, nil
}

// Each applies fn to every target sequentially. A failing target does not
// stop processing of the remaining independent targets; all failures are
// joined into the returned error.
func (o *Operations) Each(ctx context.Context, targets []string, fn func(context.Context, string) error) error {
	var errs []error
	for _, target := range targets {
		if err := fn(ctx, target); err != nil {
			log.G(ctx).WithError(err).WithField("image", target).Error("operation failed")
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}
