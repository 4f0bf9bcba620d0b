package ops

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/spin-stack/nbdmount/internal/hoststate"
)

// deviceStatus is one row of the status report.
type deviceStatus struct {
	binding   hoststate.Binding
	mounts    []string
	allocated int64
	hasUsage  bool
}

// Status prints a report of every currently bound device: device node,
// backing file, mount points and allocated image size. The per-device
// detail is read-only, so it is gathered concurrently.
func (o *Operations) Status(ctx context.Context) error {
	state, err := o.collect()
	if err != nil {
		return err
	}
	bindings := state.Bindings()

	rows := make([]deviceStatus, len(bindings))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range bindings {
		g.Go(func() error {
			rows[i].binding = b
			for _, info := range state.MountsUnder(b.Device.Path(o.cfg.DevRoot)) {
				rows[i].mounts = append(rows[i].mounts, info.Mountpoint)
			}
			if size, err := o.usage(gctx, b.BackingFile); err == nil {
				rows[i].allocated = size
				rows[i].hasUsage = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Fprintln(o.stdout, "no images bound")
		return nil
	}

	w := tabwriter.NewWriter(o.stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tIMAGE\tALLOCATED\tMOUNTS")
	for _, row := range rows {
		alloc := "-"
		if row.hasUsage {
			alloc = formatBytes(row.allocated)
		}
		mounts := "-"
		if len(row.mounts) > 0 {
			mounts = strings.Join(row.mounts, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			row.binding.Device.Path(o.cfg.DevRoot), row.binding.BackingFile, alloc, mounts)
	}
	return w.Flush()
}
