// Package overlay provisions copy-on-write snapshot files for base images.
// A base image is read-only by convention and is never connected directly;
// writes land in an overlay under a per-user scratch directory.
package overlay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"

	"github.com/spin-stack/nbdmount/internal/hostcfg"
	"github.com/spin-stack/nbdmount/internal/hostcmd"
	"github.com/spin-stack/nbdmount/internal/qemuimg"
)

// baseSuffix marks an image as a read-only base by naming convention:
// the file stem ends in "-base" (e.g. debian-base.qcow2).
const baseSuffix = "-base"

// workdirPrefix names the per-user scratch directory under the scratch
// root, e.g. /tmp/qemu-alice.
const workdirPrefix = "qemu-"

// IsBase reports whether image follows the base-image naming convention.
func IsBase(image string) bool {
	stem := strings.TrimSuffix(filepath.Base(image), filepath.Ext(image))
	return stem == strings.TrimPrefix(baseSuffix, "-") || strings.HasSuffix(stem, baseSuffix)
}

// Provisioner materializes overlays under the invoking user's scratch
// directory.
type Provisioner struct {
	scratchRoot string
	owner       hostcfg.User

	// create invokes the external overlay creation; replaced in tests.
	create func(ctx context.Context, base, overlay string) error
}

// NewProvisioner returns a Provisioner writing under cfg.ScratchRoot.
func NewProvisioner(cfg *hostcfg.Config, runner hostcmd.Runner) *Provisioner {
	return &Provisioner{
		scratchRoot: cfg.ScratchRoot,
		owner:       cfg.Owner,
		create: func(ctx context.Context, base, overlay string) error {
			return qemuimg.CreateOverlay(ctx, runner, base, overlay)
		},
	}
}

// Workdir returns the per-user scratch directory housing overlays.
func (p *Provisioner) Workdir() string {
	return filepath.Join(p.scratchRoot, workdirPrefix+p.owner.Name)
}

// OverlayPath derives the overlay location for a base image. Pure
// function: binding resolution recomputes it without any stored mapping.
func (p *Provisioner) OverlayPath(base string) string {
	return filepath.Join(p.Workdir(), filepath.Base(base))
}

// Ensure returns the overlay path for base, creating the overlay on first
// use. An existing overlay is returned unchanged: overlays are never
// refreshed automatically, so a stale overlay persists until manually
// removed. That is a deliberate trade-off in favor of never discarding
// writes.
func (p *Provisioner) Ensure(ctx context.Context, base string) (string, error) {
	workdir := p.Workdir()
	if _, err := os.Stat(workdir); os.IsNotExist(err) {
		// Group/other access is withheld; the overlay records private
		// VM writes.
		if err := os.MkdirAll(workdir, 0o750); err != nil {
			return "", fmt.Errorf("create scratch dir: %w", err)
		}
		if err := os.Chown(workdir, p.owner.UID, p.owner.GID); err != nil {
			return "", fmt.Errorf("chown scratch dir: %w", err)
		}
	}

	overlay := p.OverlayPath(base)
	if _, err := os.Stat(overlay); err == nil {
		log.G(ctx).WithField("overlay", overlay).Debug("reusing existing overlay")
		return overlay, nil
	}

	if err := p.create(ctx, base, overlay); err != nil {
		return "", err
	}

	// Creation may have run elevated; hand the whole tree back to the
	// invoking user.
	if err := p.chownTree(workdir); err != nil {
		return "", err
	}
	log.G(ctx).WithField("base", base).WithField("overlay", overlay).Info("created overlay")
	return overlay, nil
}

func (p *Provisioner) chownTree(root string) error {
	return filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := os.Chown(path, p.owner.UID, p.owner.GID); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
		return nil
	})
}
