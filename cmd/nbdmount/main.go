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

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/spin-stack/nbdmount/internal/hostcfg"
	"github.com/spin-stack/nbdmount/internal/hostcmd"
	"github.com/spin-stack/nbdmount/internal/ops"
	"github.com/spin-stack/nbdmount/internal/preflight"
)

// Version information - set via ldflags at build time
// Example: go build -ldflags "-X main.version=1.0.0 -X main.gitCommit=$(git rev-parse HEAD)"
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "nbdmount",
		Usage:   "Mount, unmount, trim and recompress qcow2 disk images via NBD",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "mount-root",
				Usage:   "Directory under which partition mount points are created",
				Value:   hostcfg.DefaultMountRoot,
				EnvVars: []string{"NBDMOUNT_MOUNT_ROOT"},
			},
			&cli.StringFlag{
				Name:    "scratch-root",
				Usage:   "Directory housing the per-user snapshot overlay directory",
				Value:   hostcfg.DefaultScratchRoot,
				EnvVars: []string{"NBDMOUNT_SCRATCH_ROOT"},
			},
			&cli.DurationFlag{
				Name:    "settle-timeout",
				Usage:   "How long to wait for partition nodes after a device connect",
				Value:   hostcfg.DefaultSettleTimeout,
				EnvVars: []string{"NBDMOUNT_SETTLE_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "mount",
				Usage:     "Bind images to NBD devices and mount their partitions",
				ArgsUsage: "<image>... | -a",
				Flags:     []cli.Flag{allFlag()},
				Action:    withOperations(cmdMount),
			},
			{
				Name:      "unmount",
				Aliases:   []string{"umount"},
				Usage:     "Unmount partitions and disconnect devices",
				ArgsUsage: "<image>... | -a",
				Flags:     []cli.Flag{allFlag()},
				Action:    withOperations(cmdUnmount),
			},
			{
				Name:      "trim",
				Usage:     "Discard free space so image files can shrink",
				ArgsUsage: "<image>... | -a",
				Flags:     []cli.Flag{allFlag()},
				Action:    withOperations(cmdTrim),
			},
			{
				Name:      "compress",
				Usage:     "Recompress static (unbound) qcow2 image files",
				ArgsUsage: "<image.qcow2>...",
				Action:    withOperations(cmdCompress),
			},
			{
				Name:   "status",
				Usage:  "Show all currently bound devices",
				Action: withOperations(cmdStatus),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func allFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "all",
		Aliases: []string{"a"},
		Usage:   "Operate on every image currently bound to a device",
	}
}

// withOperations builds the host configuration and wired-up operations
// once per command invocation.
func withOperations(fn func(ctx context.Context, c *cli.Context, o *ops.Operations) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		if err := log.SetLevel(c.String("log-level")); err != nil {
			return err
		}

		owner, err := hostcfg.InvokingUser(os.LookupEnv)
		if err != nil {
			return err
		}
		cfg := hostcfg.Default()
		cfg.MountRoot = c.String("mount-root")
		cfg.ScratchRoot = c.String("scratch-root")
		cfg.Owner = owner
		if d := c.Duration("settle-timeout"); d > 0 {
			cfg.SettleTimeout = d
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		return fn(ctx, c, ops.New(cfg, hostcmd.New()))
	}
}

// requireRoot runs the capability preflight. Mutating commands fail fast
// here instead of re-executing themselves with elevation.
func requireRoot() error {
	return preflight.Check()
}

func cmdMount(ctx context.Context, c *cli.Context, o *ops.Operations) error {
	if err := requireRoot(); err != nil {
		return err
	}
	targets, err := o.Targets(c.Args().Slice(), c.Bool("all"))
	if err != nil {
		return err
	}
	opErr := o.Each(ctx, targets, o.Mount)
	return finishWithStatus(ctx, o, opErr)
}

func cmdUnmount(ctx context.Context, c *cli.Context, o *ops.Operations) error {
	if err := requireRoot(); err != nil {
		return err
	}
	targets, err := o.Targets(c.Args().Slice(), c.Bool("all"))
	if err != nil {
		return err
	}
	opErr := o.Each(ctx, targets, o.Unmount)
	return finishWithStatus(ctx, o, opErr)
}

func cmdTrim(ctx context.Context, c *cli.Context, o *ops.Operations) error {
	if err := requireRoot(); err != nil {
		return err
	}
	targets, err := o.Targets(c.Args().Slice(), c.Bool("all"))
	if err != nil {
		return err
	}
	opErr := o.Each(ctx, targets, o.Trim)
	return finishWithStatus(ctx, o, opErr)
}

func cmdCompress(ctx context.Context, c *cli.Context, o *ops.Operations) error {
	if err := requireRoot(); err != nil {
		return err
	}
	targets, err := o.Targets(c.Args().Slice(), false)
	if err != nil {
		return err
	}
	return o.Each(ctx, targets, o.Compress)
}

func cmdStatus(ctx context.Context, _ *cli.Context, o *ops.Operations) error {
	return o.Status(ctx)
}

// finishWithStatus prints the mount-state report every mutating command
// ends with, preserving the operation error for the exit code.
func finishWithStatus(ctx context.Context, o *ops.Operations, opErr error) error {
	reportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := o.Status(reportCtx); err != nil {
		log.G(ctx).WithError(err).Warn("could not produce status report")
	}
	return opErr
}
