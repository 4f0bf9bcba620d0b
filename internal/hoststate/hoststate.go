// Package hoststate reconstructs which images are bound to which NBD
// devices purely from live system state. There is no persisted registry:
// a binding exists exactly when a live qemu-nbd connect process references
// both a device node and the image's canonical path. The whole host view
// is captured once per command invocation and operated on as a snapshot,
// which keeps the reconciliation logic free of mid-operation races and
// lets tests inject fake proc trees and mount tables.
package hoststate

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/moby/sys/mountinfo"

	"github.com/spin-stack/nbdmount/internal/hostcfg"
	"github.com/spin-stack/nbdmount/internal/nbd"
)

// connectTool is the process name identifying a device-connect process.
const connectTool = "qemu-nbd"

// Binding is an observed association between an image file and a device,
// evidenced by a live connect process.
type Binding struct {
	Pid         int
	Device      nbd.Device
	BackingFile string // canonical path
}

// State is a read-only snapshot of the host's bindings and mount table.
type State struct {
	bindings []Binding
	mounts   []*mountinfo.Info
}

// New assembles a State from pre-collected data. Tests use this directly.
func New(bindings []Binding, mounts []*mountinfo.Info) *State {
	sorted := append([]Binding(nil), bindings...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Device.Number < sorted[j].Device.Number
	})
	return &State{bindings: sorted, mounts: mounts}
}

// Collect takes a snapshot of the real host: connect processes from the
// process table and the current mount table.
func Collect(cfg *hostcfg.Config) (*State, error) {
	bindings, err := ScanProc(cfg.ProcRoot, cfg.DevRoot)
	if err != nil {
		return nil, err
	}
	mounts, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	return New(bindings, mounts), nil
}

// Bindings returns all observed bindings in device-number order.
func (s *State) Bindings() []Binding {
	return s.bindings
}

// BindingFor returns the binding whose backing file matches the canonical
// form of image, or nil when no live connect process references it. A
// kernel device node left attached by a dead process does not count as
// bound. If several processes match (not structurally prevented), the
// lowest-numbered device wins.
func (s *State) BindingFor(image string) *Binding {
	canonical := Canonical(image)
	for i := range s.bindings {
		if s.bindings[i].BackingFile == canonical {
			return &s.bindings[i]
		}
	}
	return nil
}

// MountsUnder returns mount-table entries whose source is the given device
// path or one of its partitions.
func (s *State) MountsUnder(devPath string) []*mountinfo.Info {
	var out []*mountinfo.Info
	for _, info := range s.mounts {
		if info.Source == devPath || strings.HasPrefix(info.Source, devPath+"p") {
			out = append(out, info)
		}
	}
	return out
}

// Canonical resolves image to an absolute, symlink-free path so that
// process-table matching is insensitive to how the user spelled the path.
// A path that cannot be resolved (e.g. the file is gone) falls back to the
// cleaned absolute form.
func Canonical(image string) string {
	abs, err := filepath.Abs(image)
	if err != nil {
		return filepath.Clean(image)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// ScanProc walks procRoot for live qemu-nbd connect processes and extracts
// the device node and backing file from each command line.
func ScanProc(procRoot, devRoot string) ([]Binding, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, fmt.Errorf("read process table: %w", err)
	}

	var bindings []Binding
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		argv, err := readCmdline(filepath.Join(procRoot, entry.Name(), "cmdline"))
		if err != nil {
			// Process exited mid-scan.
			continue
		}
		binding, ok := parseConnectArgs(argv, devRoot)
		if !ok {
			continue
		}
		binding.Pid = pid
		bindings = append(bindings, binding)
	}
	return bindings, nil
}

// readCmdline reads a NUL-separated /proc/<pid>/cmdline file.
func readCmdline(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimRight(data, "\x00")
	if len(data) == 0 {
		return nil, nil
	}
	return strings.Split(string(data), "\x00"), nil
}

// parseConnectArgs recognizes a device-connect command line: argv[0] is
// qemu-nbd, "-c" is followed by an NBD device node under devRoot, and the
// last non-flag argument is the backing file.
func parseConnectArgs(argv []string, devRoot string) (Binding, bool) {
	if len(argv) < 3 || filepath.Base(argv[0]) != connectTool {
		return Binding{}, false
	}

	var dev nbd.Device
	var devIdx = -1
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] != "-c" && argv[i] != "--connect" {
			continue
		}
		node := argv[i+1]
		if filepath.Dir(node) != filepath.Clean(devRoot) {
			return Binding{}, false
		}
		d, err := nbd.DeviceFromName(filepath.Base(node))
		if err != nil {
			return Binding{}, false
		}
		dev, devIdx = d, i+1
		break
	}
	if devIdx < 0 {
		return Binding{}, false
	}

	for i := len(argv) - 1; i > devIdx; i-- {
		if strings.HasPrefix(argv[i], "-") {
			continue
		}
		return Binding{Device: dev, BackingFile: Canonical(argv[i])}, true
	}
	return Binding{}, false
}
