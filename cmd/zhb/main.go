package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"zhb/internal/config"
	"zhb/internal/input"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:  "config",
		Usage: "path to the credentials file",
		Value: config.DefaultPath,
	}
	verboseFlag := &cli.BoolFlag{
		Name:  "verbose",
		Usage: "debug output on the console",
	}

	cmd := &cli.Command{
		Name:    "zhb",
		Usage:   "Hybrid backup and restore for ZFS-rooted systems",
		Version: "1.0.0",
		Commands: []*cli.Command{
			{
				Name:  "setup",
				Usage: "Create or replace the credentials file",
				Flags: []cli.Flag{
					configFlag,
					&cli.DurationFlag{
						Name:  "prompt-timeout",
						Usage: "give up on an unanswered wizard prompt after this long (0 waits forever)",
						Value: defaultPromptTimeout,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runSetup(ctx, cmd.String("config"), cmd.Duration("prompt-timeout"))
				},
			},
			{
				Name:  "backup",
				Usage: "Create an encrypted backup set (boot files + pool stream)",
				Flags: []cli.Flag{
					configFlag,
					verboseFlag,
					&cli.BoolFlag{
						Name:  "auto",
						Usage: "no prompts; defaults win and missing credentials are fatal",
					},
					&cli.StringFlag{
						Name:  "pool",
						Usage: "override the configured pool",
					},
					&cli.StringFlag{
						Name:  "target",
						Usage: "destination: nas, removable or auto",
						Value: "auto",
					},
					&cli.StringFlag{
						Name:  "device",
						Usage: "removable target device (e.g. /dev/sdb)",
					},
					&cli.BoolFlag{
						Name:  "keep-snapshot",
						Usage: "retain the snapshot after the backup",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBackup(ctx, backupArgs{
						configPath:   cmd.String("config"),
						verbose:      cmd.Bool("verbose"),
						auto:         cmd.Bool("auto"),
						pool:         cmd.String("pool"),
						target:       cmd.String("target"),
						device:       cmd.String("device"),
						keepSnapshot: cmd.Bool("keep-snapshot"),
					})
				},
			},
			{
				Name:  "restore",
				Usage: "Rebuild a system from a backup set onto a fresh disk",
				Flags: []cli.Flag{
					configFlag,
					verboseFlag,
					&cli.StringFlag{
						Name:  "from",
						Usage: "directory already holding the backup set, or 's3' for the offsite copy",
					},
					&cli.StringFlag{
						Name:  "token",
						Usage: "backup set token (YYYYMMDD-HHMM), newest when omitted",
					},
					&cli.StringFlag{
						Name:  "pool",
						Usage: "name of the pool to create",
					},
					&cli.StringFlag{
						Name:  "disk",
						Usage: "target disk to partition (e.g. /dev/sdb)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runRestore(ctx, restoreArgs{
						configPath: cmd.String("config"),
						verbose:    cmd.Bool("verbose"),
						from:       cmd.String("from"),
						token:      cmd.String("token"),
						pool:       cmd.String("pool"),
						disk:       cmd.String("disk"),
					})
				},
			},
			{
				Name:  "verify",
				Usage: "Check the integrity of a backup set without restoring it",
				Flags: []cli.Flag{
					configFlag,
					verboseFlag,
					&cli.StringFlag{
						Name:  "from",
						Usage: "directory already holding the backup set, or 's3' for the offsite copy",
					},
					&cli.StringFlag{
						Name:  "token",
						Usage: "backup set token, newest when omitted",
					},
					&cli.BoolFlag{
						Name:  "receive-dry-run",
						Usage: "feed the pool stream through zfs receive -n (on by default when a pool is known)",
						Value: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runVerify(ctx, verifyArgs{
						configPath: cmd.String("config"),
						verbose:    cmd.Bool("verbose"),
						from:       cmd.String("from"),
						token:      cmd.String("token"),
						dryRun:     cmd.Bool("receive-dry-run"),
					})
				},
			},
			{
				Name:  "list",
				Usage: "List backup sets on a target",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:  "from",
						Usage: "directory already holding the backup sets, or 's3' for the offsite copy",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "machine-readable output",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runList(ctx, listArgs{
						configPath: cmd.String("config"),
						from:       cmd.String("from"),
						jsonOut:    cmd.Bool("json"),
					})
				},
			},
			{
				Name:  "test-nas",
				Usage: "Prove the NAS target is reachable and writable",
				Flags: []cli.Flag{configFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runTestNAS(ctx, cmd.String("config"))
				},
			},
			{
				Name:  "devices",
				Usage: "List block devices",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runDevices(ctx)
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "\nInterrupted")
			os.Exit(130)
		}
		if input.IsAborted(err) || errors.Is(err, errDeclined) {
			fmt.Fprintln(os.Stderr, "Aborted.")
			os.Exit(0)
		}
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
