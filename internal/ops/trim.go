package ops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/log"

	"github.com/spin-stack/nbdmount/internal/cleanup"
	"github.com/spin-stack/nbdmount/internal/overlay"
)

// Trim mounts the image, discards free space on every mounted filesystem
// so the backing file can reclaim it, then unmounts. Base images are
// skipped outright: they are never mounted themselves, only their
// overlays are, so there is nothing to trim.
func (o *Operations) Trim(ctx context.Context, image string) error {
	if overlay.IsBase(image) {
		log.G(ctx).WithField("image", image).Info("base image, nothing to trim")
		return nil
	}

	before, usageErr := o.usage(ctx, image)

	dev, mountpoints, err := o.mountImage(ctx, image)
	if err != nil {
		// Nothing was trimmed; fail before invoking the tool.
		return err
	}

	trimErr := o.trimMounts(ctx, mountpoints)

	// Teardown is best effort: trim results already reported stay
	// reported, and a busy mount surfaces without discarding them.
	var tailErr error
	cleanup.Do(ctx, func(cctx context.Context) {
		tailErr = o.teardown(cctx, dev, image)
	})

	if usageErr == nil && trimErr == nil && tailErr == nil {
		if after, err := o.usage(ctx, image); err == nil {
			fmt.Fprintf(o.stdout, "%s: %s reclaimed\n", image, formatBytes(before-after))
		}
	}
	return errors.Join(trimErr, tailErr)
}

// trimMounts runs the trim tool per mount point, reporting each result.
// The first failure stops the remaining trims.
func (o *Operations) trimMounts(ctx context.Context, mountpoints []string) error {
	for _, mp := range mountpoints {
		out, err := o.runner.Run(ctx, "fstrim", "-v", mp)
		if err != nil {
			return fmt.Errorf("trim %s: %w", mp, err)
		}
		if msg := strings.TrimSpace(string(out)); msg != "" {
			fmt.Fprintln(o.stdout, msg)
		}
	}
	return nil
}

// formatBytes renders a byte count with a binary unit. Negative deltas
// (an image that grew) keep their sign.
func formatBytes(n int64) string {
	sign := ""
	if n < 0 {
		sign, n = "-", -n
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%s%d B", sign, n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%s%.1f %ciB", sign, float64(n)/float64(div), "KMGTPE"[exp])
}
