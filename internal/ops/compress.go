package ops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/spin-stack/nbdmount/internal/hoststate"
	"github.com/spin-stack/nbdmount/internal/qemuimg"
)

// backupExt is appended to the original image after a successful
// recompression.
const backupExt = ".orig"

// Compress rewrites a static image file with compression. The sequence is
// convert-to-temp, rename-original-to-backup, rename-temp-into-place; each
// step's failure skips the remaining steps without rollback. The original
// is never touched before the converted copy exists in full, so no failure
// mode can destroy it.
func (o *Operations) Compress(ctx context.Context, image string) error {
	if !strings.HasSuffix(image, imageExt) {
		return fmt.Errorf("%s: compress handles %s files only: %w", image, imageExt, errdefs.ErrInvalidArgument)
	}

	state, err := o.collect()
	if err != nil {
		return err
	}
	if b := state.BindingFor(image); b != nil {
		return fmt.Errorf("%s is bound to %s, unmount it first: %w", image, b.Device.Name, errdefs.ErrFailedPrecondition)
	}

	canonical := hoststate.Canonical(image)
	before, usageErr := o.usage(ctx, canonical)

	dir, name := filepath.Split(canonical)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", name, uuid.NewString()))

	if err := qemuimg.ConvertCompress(ctx, o.runner, canonical, tmp); err != nil {
		// The original is untouched; discard the partial copy.
		_ = os.Remove(tmp)
		return err
	}

	backup := canonical + backupExt
	if err := os.Rename(canonical, backup); err != nil {
		// Original and a harmless temp file remain.
		return fmt.Errorf("back up original: %w", err)
	}
	if err := os.Rename(tmp, canonical); err != nil {
		return fmt.Errorf("move compressed image into place: %w", err)
	}

	if usageErr == nil {
		if after, err := o.usage(ctx, canonical); err == nil {
			fmt.Fprintf(o.stdout, "%s: %s reclaimed (original kept as %s)\n",
				image, formatBytes(before-after), backup)
		}
	}
	log.G(ctx).WithField("image", image).Info("image recompressed")
	return nil
}
