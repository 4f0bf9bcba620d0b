package mounter

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// MountError indicates the kernel or mount tool rejected a partition mount.
type MountError struct {
	Partition string
	Target    string
	Cause     error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount %s at %s: %v", e.Partition, e.Target, e.Cause)
}

func (e *MountError) Unwrap() error {
	return e.Cause
}

// UnmountError indicates an unmount failed, typically because the mount is
// busy. Teardown stops at the first one.
type UnmountError struct {
	Target string
	Cause  error
}

func (e *UnmountError) Error() string {
	return fmt.Sprintf("unmount %s: %v", e.Target, e.Cause)
}

func (e *UnmountError) Unwrap() error {
	return e.Cause
}

// Is classifies a busy unmount as a failed precondition for callers that
// only care about the error taxonomy.
func (e *UnmountError) Is(target error) bool {
	return target == errdefs.ErrFailedPrecondition
}
