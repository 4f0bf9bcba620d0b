//go:build !linux

// Package preflight provides capability checks for nbdmount.
package preflight

import "github.com/containerd/errdefs"

// Check runs all preflight checks.
// On non-Linux platforms, this returns ErrNotImplemented.
func Check() error {
	return errdefs.ErrNotImplemented
}

// CheckRoot verifies the process runs with root privileges.
func CheckRoot() error {
	return errdefs.ErrNotImplemented
}

// CheckKernel verifies the kernel supports NBD.
func CheckKernel() error {
	return errdefs.ErrNotImplemented
}

// CheckTools verifies every required external tool is on PATH.
func CheckTools() error {
	return errdefs.ErrNotImplemented
}
