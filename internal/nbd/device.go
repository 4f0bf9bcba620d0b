// Package nbd manages network block devices: allocating an unused device
// slot, connecting a disk image to it with qemu-nbd, and disconnecting it
// once nothing is mounted. Device state is always derived from sysfs, never
// cached between invocations.
package nbd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// devicePrefix is the kernel name prefix for NBD device nodes.
const devicePrefix = "nbd"

// Device identifies an NBD device node by kernel name (e.g. "nbd0").
type Device struct {
	Name   string
	Number int
}

// Partition is a partition node exposed under a connected device
// (e.g. "nbd0p1").
type Partition struct {
	Device Device
	Number int
	Name   string
}

// DeviceFromName parses a kernel device name like "nbd3".
func DeviceFromName(name string) (Device, error) {
	num, ok := trimNumericSuffix(name, devicePrefix)
	if !ok {
		return Device{}, fmt.Errorf("%q is not an nbd device name", name)
	}
	return Device{Name: name, Number: num}, nil
}

// Path returns the device node path under devRoot.
func (d Device) Path(devRoot string) string {
	return filepath.Join(devRoot, d.Name)
}

// Path returns the partition node path under devRoot.
func (p Partition) Path(devRoot string) string {
	return filepath.Join(devRoot, p.Name)
}

// trimNumericSuffix splits "nbd12" into 12 for the given prefix. The suffix
// must be all digits; "nbd0p1" does not parse as a device.
func trimNumericSuffix(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	num, err := strconv.Atoi(name[len(prefix):])
	if err != nil {
		return 0, false
	}
	return num, true
}

// Devices lists all NBD device nodes known to the kernel under sysRoot,
// in device-number order.
func Devices(sysRoot string) ([]Device, error) {
	entries, err := os.ReadDir(filepath.Join(sysRoot, "block"))
	if err != nil {
		return nil, fmt.Errorf("read block topology: %w", err)
	}

	var devs []Device
	for _, entry := range entries {
		num, ok := trimNumericSuffix(entry.Name(), devicePrefix)
		if !ok {
			continue
		}
		devs = append(devs, Device{Name: entry.Name(), Number: num})
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Number < devs[j].Number })
	return devs, nil
}

// deviceSize reads the reported size (in 512-byte sectors) of a device.
func deviceSize(sysRoot string, dev Device) (int64, error) {
	data, err := os.ReadFile(filepath.Join(sysRoot, "block", dev.Name, "size"))
	if err != nil {
		return 0, fmt.Errorf("read size of %s: %w", dev.Name, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size of %s: %w", dev.Name, err)
	}
	return size, nil
}

// Allocate selects the first device reporting zero size, the kernel's
// convention for an unconnected NBD slot. The selection is best effort:
// a concurrent invocation may pick the same slot, in which case the
// subsequent connect fails loudly and the caller treats that target as
// failed rather than retrying allocation.
func Allocate(sysRoot string) (Device, error) {
	devs, err := Devices(sysRoot)
	if err != nil {
		return Device{}, err
	}
	for _, dev := range devs {
		size, err := deviceSize(sysRoot, dev)
		if err != nil {
			// Slot disappeared mid-scan; skip it.
			continue
		}
		if size == 0 {
			return dev, nil
		}
	}
	return Device{}, &NoDeviceError{SysRoot: sysRoot}
}

// Partitions lists the partition nodes currently exposed under dev,
// sorted by partition number. A connected image with no partition table
// legitimately yields none.
func Partitions(sysRoot string, dev Device) ([]Partition, error) {
	entries, err := os.ReadDir(filepath.Join(sysRoot, "block", dev.Name))
	if err != nil {
		return nil, fmt.Errorf("read partitions of %s: %w", dev.Name, err)
	}

	prefix := dev.Name + "p"
	var parts []Partition
	for _, entry := range entries {
		num, ok := trimNumericSuffix(entry.Name(), prefix)
		if !ok {
			continue
		}
		parts = append(parts, Partition{Device: dev, Number: num, Name: entry.Name()})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts, nil
}
