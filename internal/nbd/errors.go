package nbd

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// NoDeviceError indicates every NBD slot is already connected.
//
// Recovery: disconnect an unused image, or load the nbd module with a
// higher nbds_max.
type NoDeviceError struct {
	SysRoot string
}

func (e *NoDeviceError) Error() string {
	return fmt.Sprintf("no unused nbd device found under %s", e.SysRoot)
}

func (e *NoDeviceError) Unwrap() error {
	return errdefs.ErrResourceExhausted
}

// BusyDeviceError indicates a disconnect was refused because partitions
// under the device are still mounted. A device is never force-detached
// with live mounts.
type BusyDeviceError struct {
	Device      Device
	Mountpoints []string
}

func (e *BusyDeviceError) Error() string {
	return fmt.Sprintf("device %s still has mounted partitions: %s",
		e.Device.Name, strings.Join(e.Mountpoints, ", "))
}

func (e *BusyDeviceError) Unwrap() error {
	return errdefs.ErrFailedPrecondition
}

// ConnectError indicates qemu-nbd rejected a connect, typically because
// the slot was grabbed by a concurrent invocation or the image is invalid.
type ConnectError struct {
	Device Device
	Image  string
	Cause  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s to %s: %v", e.Image, e.Device.Name, e.Cause)
}

func (e *ConnectError) Unwrap() error {
	return e.Cause
}
