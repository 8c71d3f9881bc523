package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"zhb/internal/device"
	"zhb/internal/input"
	"zhb/internal/manifest"
	"zhb/internal/restore"
)

type restoreArgs struct {
	configPath string
	verbose    bool
	from       string
	token      string
	pool       string
	disk       string
}

const passphraseAttempts = 3

func runRestore(ctx context.Context, args restoreArgs) error {
	closeLog, err := setupLogging(args.verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	p := input.New()
	cfg, err := loadConfigLenient(args.configPath)
	if err != nil {
		return err
	}
	defer cfg.Scrub()

	srcDir, srcDevice, cleanup, err := openSource(ctx, cfg, p, args.from)
	if err != nil {
		return err
	}
	defer cleanup()

	set, err := selectSet(ctx, p, srcDir, args.token)
	if err != nil {
		return err
	}
	fmt.Printf("Using backup set %s from %s\n", set.Token, srcDir)

	var m *manifest.Set
	if set.Manifest != "" {
		m, err = manifest.Read(filepath.Join(srcDir, set.Manifest))
		if err != nil {
			slog.Warn("Failed to read manifest, continuing without it", "error", err)
			m = nil
		}
	}

	passphrase, err := provePassphrase(ctx, p, cfg.Passphrase, set.BootPath())
	if err != nil {
		return err
	}

	pool := args.pool
	if pool == "" && m != nil {
		pool = m.Pool
	}
	if pool == "" {
		pool = cfg.Pool
	}
	if pool == "" {
		if pool, err = p.LineDefault(ctx, "Pool name to create", "rpool"); err != nil {
			return err
		}
	}

	disk := args.disk
	if disk == "" {
		if disk, err = chooseTargetDisk(ctx, p, srcDevice); err != nil {
			return err
		}
	}
	if !device.IsBlockDevice(disk) {
		return fmt.Errorf("%s is not a block device", disk)
	}
	if disk == srcDevice {
		return fmt.Errorf("%s holds the backup itself and cannot be the restore target", disk)
	}

	plan := restore.BuildPlan(disk, pool, *set)

	if m != nil {
		fmt.Println("Checking artifact checksums...")
		if err := restore.VerifyChecksums(plan, m); err != nil {
			return err
		}
		fmt.Println("Checksums OK.")
	}

	fmt.Println()
	fmt.Println("Restore plan:")
	for i, step := range plan.Steps() {
		marker := "   "
		if step.Destructive {
			marker = " ! "
		}
		fmt.Printf("%s%d. %-32s %s\n", marker, i+1, step.Description, step.Command)
	}
	fmt.Println()
	fmt.Printf("Steps marked ! destroy all data on %s.\n", disk)

	ok, err := p.ConfirmToken(ctx, fmt.Sprintf("Proceed with restoring to %s?", disk), "YES")
	if err != nil {
		return err
	}
	if !ok {
		return errDeclined
	}

	if err := restore.Run(ctx, plan, passphrase); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Restore complete. Pool %s is ready on %s; reboot into the restored system.\n", pool, disk)
	return nil
}

// provePassphrase checks the passphrase against the boot artifact before
// anything destructive. The configured passphrase gets the first try;
// after that the operator types it, with a bounded number of attempts.
func provePassphrase(ctx context.Context, p *input.Prompter, configured, bootPath string) (string, error) {
	passphrase := configured
	for attempt := 1; ; attempt++ {
		if passphrase == "" {
			var err error
			passphrase, err = p.Passphrase(ctx, "Backup passphrase: ")
			if err != nil {
				return "", err
			}
		}
		err := restore.ProbePassphrase(ctx, bootPath, passphrase)
		if err == nil {
			fmt.Println("Passphrase verified against the boot artifact.")
			return passphrase, nil
		}
		if attempt >= passphraseAttempts {
			return "", fmt.Errorf("passphrase verification failed: %w", err)
		}
		fmt.Println("Passphrase did not decrypt the artifact, try again.")
		passphrase = ""
	}
}

func chooseTargetDisk(ctx context.Context, p *input.Prompter, excludeDevice string) (string, error) {
	ins := device.NewInspector()
	all, err := ins.ListBlockDevices(ctx)
	if err != nil {
		return "", err
	}
	var candidates []device.BlockDevice
	for _, d := range all {
		if d.Type != "disk" || d.Path == excludeDevice {
			continue
		}
		candidates = append(candidates, d)
	}
	return chooseDisk(ctx, p, "Disk to restore onto (will be wiped): ", candidates)
}
