package restore

import (
	"fmt"

	"zhb/internal/backupset"
	"zhb/internal/device"
)

// Plan is the full description of a restore, built and shown to the
// operator before anything destructive happens. Construction is pure;
// only Run touches the disk.
type Plan struct {
	Disk         string
	EFIPartition string
	ZFSPartition string
	Pool         string
	Set          backupset.Set
}

// Step is one entry of the printed plan; destructive steps are flagged
// so the confirmation prompt can call them out.
type Step struct {
	Description string
	Command     string
	Destructive bool
}

// BuildPlan derives the partition layout for the target disk, honoring
// its naming scheme (sda2 vs nvme0n1p2).
func BuildPlan(disk, pool string, set backupset.Set) Plan {
	return Plan{
		Disk:         disk,
		EFIPartition: device.PartitionPath(disk, 1),
		ZFSPartition: device.PartitionPath(disk, 2),
		Pool:         pool,
		Set:          set,
	}
}

// Steps renders the plan for operator review.
func (p Plan) Steps() []Step {
	return []Step{
		{
			Description: "Wipe partition table",
			Command:     fmt.Sprintf("sgdisk --zap-all %s", p.Disk),
			Destructive: true,
		},
		{
			Description: "Create EFI partition (512 MiB)",
			Command:     fmt.Sprintf("sgdisk -n1:0:+512M -t1:EF00 %s", p.Disk),
			Destructive: true,
		},
		{
			Description: "Create ZFS partition (remainder)",
			Command:     fmt.Sprintf("sgdisk -n2:0:0 -t2:BF00 %s", p.Disk),
			Destructive: true,
		},
		{
			Description: "Format EFI partition",
			Command:     fmt.Sprintf("mkfs.fat -F32 %s", p.EFIPartition),
			Destructive: true,
		},
		{
			Description: "Create pool",
			Command:     fmt.Sprintf("zpool create -f %s %s", p.Pool, p.ZFSPartition),
			Destructive: true,
		},
		{
			Description: "Receive pool data",
			Command:     fmt.Sprintf("decrypt %s | decompress | zfs receive -F %s", p.Set.ZFSArtifact, p.Pool),
		},
		{
			Description: "Extract boot files",
			Command:     fmt.Sprintf("decrypt %s | decompress | tar -xpf - -C <efi>", p.Set.BootArtifact),
		},
		{
			Description: "Set bootfs property",
			Command:     fmt.Sprintf("zpool set bootfs=<root dataset> %s", p.Pool),
		},
	}
}
