// Package device resolves block devices, partitions and filesystem types
// through the structured output modes of lsblk, findmnt, blkid and zpool.
// The command runner is injectable so detection logic is testable without
// real hardware.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"
)

// Runner executes an external tool and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// BlockDevice is one entry of the lsblk tree.
type BlockDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Type       string        `json:"type"`
	Size       int64         `json:"size"`
	Model      string        `json:"model"`
	Transport  string        `json:"tran"`
	Removable  bool          `json:"rm"`
	FSType     string        `json:"fstype"`
	Mountpoint string        `json:"mountpoint"`
	Children   []BlockDevice `json:"children"`
}

// HumanSize renders the byte size the way operators expect in a menu.
func (d BlockDevice) HumanSize() string {
	const unit = 1024
	if d.Size < unit {
		return fmt.Sprintf("%d B", d.Size)
	}
	div, exp := int64(unit), 0
	for n := d.Size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(d.Size)/float64(div), "KMGTPE"[exp])
}

// Inspector answers device questions. The exec implementation shells out
// to the usual tools; tests swap in a fake.
type Inspector struct {
	Run Runner
}

func NewInspector() *Inspector {
	return &Inspector{Run: execRunner}
}

// ListBlockDevices returns the lsblk device tree (disks with partition
// children), byte sizes.
func (ins *Inspector) ListBlockDevices(ctx context.Context) ([]BlockDevice, error) {
	out, err := ins.Run(ctx, "lsblk", "-J", "-b", "-o", "NAME,PATH,TYPE,SIZE,MODEL,TRAN,RM,FSTYPE,MOUNTPOINT")
	if err != nil {
		return nil, err
	}
	var result struct {
		BlockDevices []BlockDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}
	return result.BlockDevices, nil
}

// MountSource returns the backing device of a mounted path, or "" when
// the path is not a mountpoint.
func (ins *Inspector) MountSource(ctx context.Context, target string) (string, error) {
	out, err := ins.Run(ctx, "findmnt", "-J", "-o", "SOURCE,TARGET", target)
	if err != nil {
		// findmnt exits non-zero when the target is not mounted.
		return "", nil
	}
	var result struct {
		Filesystems []struct {
			Source string `json:"source"`
			Target string `json:"target"`
		} `json:"filesystems"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return "", fmt.Errorf("failed to parse findmnt output: %w", err)
	}
	if len(result.Filesystems) == 0 {
		return "", nil
	}
	return result.Filesystems[0].Source, nil
}

// FSType probes the filesystem type of a device via blkid.
func (ins *Inspector) FSType(ctx context.Context, dev string) (string, error) {
	out, err := ins.Run(ctx, "blkid", "-o", "value", "-s", "TYPE", dev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// PoolDevices lists the vdev device paths backing a pool, using zpool's
// scripted output with full paths.
func (ins *Inspector) PoolDevices(ctx context.Context, pool string) ([]string, error) {
	out, err := ins.Run(ctx, "zpool", "list", "-v", "-H", "-P", pool)
	if err != nil {
		return nil, err
	}
	var devices []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.HasPrefix(fields[0], "/") {
			devices = append(devices, fields[0])
		}
	}
	return devices, nil
}

// IsBlockDevice reports whether path exists and is a device node.
func IsBlockDevice(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeDevice != 0
}

// ResolveByID follows a /dev/disk/by-id style alias to the real device
// path. Plain /dev paths are returned unchanged.
func ResolveByID(alias string) (string, error) {
	if !strings.Contains(alias, "by-id") && !strings.Contains(alias, "by-partuuid") && !strings.Contains(alias, "by-uuid") {
		if strings.HasPrefix(alias, "/dev/") {
			return alias, nil
		}
		alias = filepath.Join("/dev/disk/by-id", alias)
	}
	resolved, err := filepath.EvalSymlinks(alias)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", alias, err)
	}
	return resolved, nil
}

// StripPartitionSuffix turns a partition path into its disk path,
// handling both NVMe-style (nvme0n1p2) and SATA-style (sda2) numbering.
// Whole-disk names that end in a digit themselves (nvme0n1, mmcblk0)
// come back unchanged. Sysfs answers authoritatively when it knows the
// node; otherwise the kernel naming conventions decide.
func StripPartitionSuffix(dev string) string {
	name := filepath.Base(dev)
	if _, err := os.Stat(filepath.Join("/sys/class/block", name)); err == nil {
		if _, err := os.Stat(filepath.Join("/sys/class/block", name, "partition")); err != nil {
			return dev
		}
	}

	trimmed := strings.TrimRightFunc(dev, unicode.IsDigit)
	if trimmed == dev {
		return dev
	}
	if strings.HasSuffix(trimmed, "p") && endsWithDigit(strings.TrimSuffix(trimmed, "p")) {
		return strings.TrimSuffix(trimmed, "p")
	}
	// A bare digit suffix marks a partition only on drivers that name
	// whole disks with letters alone (sda2, vdb1, xvda3). Digit-named
	// disks take a "p" separator for their partitions instead.
	switch base := filepath.Base(trimmed); {
	case strings.HasPrefix(base, "sd"), strings.HasPrefix(base, "vd"),
		strings.HasPrefix(base, "xvd"), strings.HasPrefix(base, "hd"):
		return trimmed
	}
	return dev
}

func endsWithDigit(s string) bool {
	return s != "" && unicode.IsDigit(rune(s[len(s)-1]))
}

// PartitionPath builds the path of partition n on a disk, inserting the
// "p" separator for devices whose name ends in a digit (nvme0n1, mmcblk0).
func PartitionPath(disk string, n int) string {
	if endsWithDigit(disk) {
		return fmt.Sprintf("%sp%d", disk, n)
	}
	return fmt.Sprintf("%s%d", disk, n)
}
