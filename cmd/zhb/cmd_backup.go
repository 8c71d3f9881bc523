package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zhb/internal/backup"
	"zhb/internal/config"
	"zhb/internal/device"
	"zhb/internal/input"
	"zhb/internal/target"
	"zhb/internal/zfs"
)

type backupArgs struct {
	configPath   string
	verbose      bool
	auto         bool
	pool         string
	target       string
	device       string
	keepSnapshot bool
}

func runBackup(ctx context.Context, args backupArgs) error {
	closeLog, err := setupLogging(args.verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	p := input.New()
	cfg, err := loadConfig(ctx, args.configPath, p, !args.auto)
	if err != nil {
		return err
	}
	defer cfg.Scrub()

	if args.pool != "" {
		cfg.Pool = args.pool
	}
	if args.keepSnapshot {
		cfg.KeepSnapshot = true
	}

	dest, err := resolveDestination(ctx, cfg, p, args)
	if err != nil {
		return err
	}

	opts := backup.Options{Auto: args.auto}
	if !args.auto {
		opts.DecideSnapshotReuse = func(name string) (zfs.ReuseDecision, error) {
			reuse, err := p.YesNo(ctx, fmt.Sprintf("Snapshot %s already exists. Reuse it?", name), true)
			if err != nil {
				return zfs.Reuse, err
			}
			if reuse {
				return zfs.Reuse, nil
			}
			return zfs.Recreate, nil
		}
	}

	m, err := backup.Run(ctx, cfg, dest, opts)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Backup complete: set %s on %s\n", m.Token, dest.Kind)
	fmt.Printf("  boot: %d MiB  blake3 %s\n", m.Boot.SizeBytes>>20, m.Boot.Blake3Hash)
	fmt.Printf("  pool: %d MiB  blake3 %s\n", m.ZFS.SizeBytes>>20, m.ZFS.Blake3Hash)
	return nil
}

// resolveDestination turns the --target flag into a concrete descriptor.
// "auto" prefers the NAS when configured and reachable; interactive runs
// fall back to removable targets when it is not.
func resolveDestination(ctx context.Context, cfg *config.Config, p *input.Prompter, args backupArgs) (target.Descriptor, error) {
	switch args.target {
	case "nas":
		return nasDestination(ctx, cfg)
	case "removable":
		return removableDestination(ctx, cfg, p, args)
	case "auto", "":
		if cfg.NAS.Configured() {
			dest, err := nasDestination(ctx, cfg)
			if err == nil {
				return dest, nil
			}
			if args.auto || !errors.Is(err, target.ErrUnreachable) {
				return target.Descriptor{}, err
			}
			fallback, err := p.TimedYesNo(ctx,
				fmt.Sprintf("NAS %s is unreachable. Back up to a removable device instead?", cfg.NAS.Host),
				true, 30*time.Second)
			if err != nil {
				return target.Descriptor{}, err
			}
			if !fallback {
				return target.Descriptor{}, errDeclined
			}
		}
		return removableDestination(ctx, cfg, p, args)
	default:
		return target.Descriptor{}, fmt.Errorf("unknown target %q (want nas, removable or auto)", args.target)
	}
}

func nasDestination(ctx context.Context, cfg *config.Config) (target.Descriptor, error) {
	if !cfg.NAS.Configured() {
		return target.Descriptor{}, fmt.Errorf("no NAS credentials configured; run 'zhb setup'")
	}
	if err := target.ProbeNetwork(ctx, cfg.NAS.Host, networkProbeTimeout); err != nil {
		return target.Descriptor{}, err
	}
	return target.Descriptor{
		Kind:       target.NAS,
		MountPoint: nasMountPoint,
		SubPath:    cfg.NAS.Path,
		NAS:        cfg.NAS,
	}, nil
}

func removableDestination(ctx context.Context, cfg *config.Config, p *input.Prompter, args backupArgs) (target.Descriptor, error) {
	dev := args.device
	if dev == "" {
		if args.auto {
			return target.Descriptor{}, fmt.Errorf("removable target needs --device in auto mode")
		}
		ins := device.NewInspector()
		candidates, err := device.EnumerateRemovable(ctx, ins, cfg.Pool)
		if err != nil {
			return target.Descriptor{}, err
		}
		dev, err = chooseDisk(ctx, p, "Backup target device: ", candidates)
		if err != nil {
			return target.Descriptor{}, err
		}
	}
	if !device.IsBlockDevice(dev) {
		return target.Descriptor{}, fmt.Errorf("%s is not a block device", dev)
	}
	return target.Descriptor{
		Kind:       target.Removable,
		MountPoint: removableMountPoint,
		SubPath:    removableSubPath,
		Device:     dev,
	}, nil
}
