// Package hostcmd runs external host commands (qemu-nbd, qemu-img, blkid,
// fstrim, modprobe) behind a small interface so operations can be tested
// without touching the host.
package hostcmd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/containerd/log"

	"github.com/spin-stack/nbdmount/internal/stringutil"
)

// maxErrOutput caps how much tool output is embedded in error messages.
const maxErrOutput = 256

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ToolError reports a non-zero exit from an external tool, carrying the
// head of its combined output.
type ToolError struct {
	Name   string
	Args   []string
	Output string
	Cause  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s %s failed: %s: %v",
		e.Name, strings.Join(e.Args, " "), e.Output, e.Cause)
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

type execRunner struct{}

// New returns a Runner backed by os/exec.
func New() Runner {
	return execRunner{}
}

// Run echoes the full command line before execution so every mutation of
// host state leaves an audit trail, then executes it.
func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	log.G(ctx).WithField("cmd", name+" "+strings.Join(args, " ")).Info("exec")
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, &ToolError{
			Name:   name,
			Args:   args,
			Output: stringutil.TruncateOutput(out, maxErrOutput),
			Cause:  err,
		}
	}
	log.G(ctx).Debugf("%s: %s", name, stringutil.TruncateOutput(out, maxErrOutput))
	return out, nil
}
