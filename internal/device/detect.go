package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// EFIMountPath is where a running system keeps its EFI partition mounted.
const EFIMountPath = "/boot/efi"

// SystemComponents identifies the disk the system boots from and its EFI
// partition.
type SystemComponents struct {
	Disk         string
	EFIPartition string
}

// ManualPrompt asks the operator for explicit disk and EFI partition
// paths; nil in automated mode.
type ManualPrompt func(ctx context.Context) (disk, efiPartition string, err error)

// DetectSystem resolves the boot disk and EFI partition. Three methods
// are tried in order: the mounted EFI path, the pool's vdev layout, and
// finally the operator. Only exhaustion of all three is fatal.
func DetectSystem(ctx context.Context, ins *Inspector, pool string, manual ManualPrompt) (SystemComponents, error) {
	if sc, err := detectFromEFIMount(ctx, ins); err == nil {
		return validate(ctx, ins, sc)
	} else {
		slog.Debug("EFI mount detection failed", "error", err)
	}

	if sc, err := detectFromPool(ctx, ins, pool); err == nil {
		return validate(ctx, ins, sc)
	} else {
		slog.Debug("pool vdev detection failed", "error", err)
	}

	if manual == nil {
		return SystemComponents{}, fmt.Errorf("could not detect system disk and EFI partition automatically")
	}
	disk, efi, err := manual(ctx)
	if err != nil {
		return SystemComponents{}, err
	}
	return validate(ctx, ins, SystemComponents{Disk: disk, EFIPartition: efi})
}

func detectFromEFIMount(ctx context.Context, ins *Inspector) (SystemComponents, error) {
	source, err := ins.MountSource(ctx, EFIMountPath)
	if err != nil {
		return SystemComponents{}, err
	}
	if source == "" {
		return SystemComponents{}, fmt.Errorf("%s is not mounted", EFIMountPath)
	}
	return SystemComponents{
		Disk:         StripPartitionSuffix(source),
		EFIPartition: source,
	}, nil
}

func detectFromPool(ctx context.Context, ins *Inspector, pool string) (SystemComponents, error) {
	devices, err := ins.PoolDevices(ctx, pool)
	if err != nil {
		return SystemComponents{}, err
	}
	if len(devices) == 0 {
		return SystemComponents{}, fmt.Errorf("no vdev devices found for pool %s", pool)
	}

	resolved, err := ResolveByID(devices[0])
	if err != nil {
		return SystemComponents{}, err
	}
	disk := StripPartitionSuffix(resolved)

	// The EFI partition is conventionally partition 1 or 2 on the same
	// disk; probe both for a FAT filesystem.
	for _, n := range []int{1, 2} {
		part := PartitionPath(disk, n)
		if !IsBlockDevice(part) {
			continue
		}
		fstype, err := ins.FSType(ctx, part)
		if err != nil {
			continue
		}
		if strings.HasPrefix(fstype, "vfat") || fstype == "fat32" {
			return SystemComponents{Disk: disk, EFIPartition: part}, nil
		}
	}
	return SystemComponents{}, fmt.Errorf("no FAT partition found on %s", disk)
}

func validate(ctx context.Context, ins *Inspector, sc SystemComponents) (SystemComponents, error) {
	if !IsBlockDevice(sc.Disk) {
		return SystemComponents{}, fmt.Errorf("%s is not a block device", sc.Disk)
	}
	if !IsBlockDevice(sc.EFIPartition) {
		return SystemComponents{}, fmt.Errorf("%s is not a block device", sc.EFIPartition)
	}
	if fstype, err := ins.FSType(ctx, sc.EFIPartition); err == nil {
		if !strings.HasPrefix(fstype, "vfat") && fstype != "fat32" {
			slog.Warn("EFI partition filesystem is not FAT32", "partition", sc.EFIPartition, "fstype", fstype)
		}
	}
	slog.Info("System components resolved", "disk", sc.Disk, "efi", sc.EFIPartition)
	return sc, nil
}

// EnumerateRemovable lists candidate target disks, excluding the devices
// backing the active pool and the boot disk.
func EnumerateRemovable(ctx context.Context, ins *Inspector, pool string) ([]BlockDevice, error) {
	exclude := make(map[string]bool)

	if devices, err := ins.PoolDevices(ctx, pool); err == nil {
		for _, dev := range devices {
			if resolved, err := ResolveByID(dev); err == nil {
				exclude[StripPartitionSuffix(resolved)] = true
			}
		}
	} else if source, err := ins.MountSource(ctx, "/"); err == nil && source != "" {
		exclude[StripPartitionSuffix(source)] = true
	}

	if source, err := ins.MountSource(ctx, EFIMountPath); err == nil && source != "" {
		exclude[StripPartitionSuffix(source)] = true
	}

	all, err := ins.ListBlockDevices(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []BlockDevice
	for _, dev := range all {
		if dev.Type != "disk" || exclude[dev.Path] {
			continue
		}
		candidates = append(candidates, dev)
	}
	return candidates, nil
}
