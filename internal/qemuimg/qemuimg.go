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

// Package qemuimg wraps the qemu-img tool for the two image manipulations
// the lifecycle needs: copy-on-write overlay creation and recompression.
package qemuimg

import (
	"context"
	"fmt"

	"github.com/containerd/continuity/fs"

	"github.com/spin-stack/nbdmount/internal/hostcmd"
)

// Format is the image format used for overlays and recompression output.
const Format = "qcow2"

// CreateOverlay creates a copy-on-write overlay backed by base. The base
// is never written through the overlay.
func CreateOverlay(ctx context.Context, runner hostcmd.Runner, base, overlay string) error {
	_, err := runner.Run(ctx, "qemu-img", "create",
		"-f", Format,
		"-b", base,
		"-F", Format,
		overlay)
	if err != nil {
		return fmt.Errorf("create overlay for %s: %w", base, err)
	}
	return nil
}

// ConvertCompress rewrites src into dst with compression enabled. src is
// only read; dst holds the recompressed copy.
func ConvertCompress(ctx context.Context, runner hostcmd.Runner, src, dst string) error {
	_, err := runner.Run(ctx, "qemu-img", "convert",
		"-c",
		"-O", Format,
		src, dst)
	if err != nil {
		return fmt.Errorf("compress %s: %w", src, err)
	}
	return nil
}

// AllocatedBytes reports how much disk space path actually occupies.
// qcow2 files are sparse, so apparent size says nothing about the space a
// trim or recompression reclaimed.
func AllocatedBytes(ctx context.Context, path string) (int64, error) {
	usage, err := fs.DiskUsage(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", path, err)
	}
	return usage.Size, nil
}
