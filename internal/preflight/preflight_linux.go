//go:build linux

// Package preflight provides capability checks for nbdmount. The tool
// never re-executes itself to gain privileges: if elevation is required
// and absent, it fails fast here instead.
package preflight

import (
	"fmt"
	"os/exec"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// requiredTools are the external commands the lifecycle depends on.
var requiredTools = []string{"qemu-nbd", "qemu-img", "blkid", "mount", "umount", "fstrim", "modprobe"}

// Check runs all preflight checks. It should be called early in main()
// for commands that mutate host state.
func Check() error {
	if err := CheckRoot(); err != nil {
		return err
	}
	if err := CheckKernel(); err != nil {
		return err
	}
	return CheckTools()
}

// CheckRoot verifies the process runs with root privileges. Device
// connects and mounts cannot work without them.
func CheckRoot() error {
	if unix.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (run via sudo): %w", errdefs.ErrPermissionDenied)
	}
	return nil
}

// CheckKernel verifies we are on a Linux kernel at all; NBD is a Linux
// facility.
func CheckKernel() error {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return fmt.Errorf("uname failed: %w", err)
	}
	if sys := unix.ByteSliceToString(uname.Sysname[:]); sys != "Linux" {
		return fmt.Errorf("unsupported kernel %q, need Linux", sys)
	}
	return nil
}

// CheckTools verifies every required external tool is on PATH.
func CheckTools() error {
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("required tool %q not found: %w", tool, err)
		}
	}
	return nil
}
