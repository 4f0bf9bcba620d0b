// Package stringutil provides small string helpers shared across packages.
package stringutil

// TruncateOutput trims captured command output to at most maxLen bytes,
// appending a marker when anything was cut. External tools like qemu-img
// can emit pages of diagnostics; error messages only need the head.
func TruncateOutput(out []byte, maxLen int) string {
	if len(out) <= maxLen {
		return string(out)
	}
	return string(out[:maxLen]) + "... (truncated)"
}
