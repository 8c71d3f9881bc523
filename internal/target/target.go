// Package target handles backup destinations: CIFS shares and removable
// block devices. A destination counts as usable only after a real mount
// and a proven write, never after a bare ping.
package target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"zhb/internal/config"
	"zhb/internal/device"
)

// MinFreeSpace is the hard floor checked on a destination before any
// artifact is streamed.
const MinFreeSpace = 15 << 30 // 15 GiB

// ErrUnreachable reports a failed network probe. Interactive callers
// degrade to offering removable targets instead of aborting.
var ErrUnreachable = errors.New("host unreachable")

// Kind distinguishes the two destination variants of the pipeline.
type Kind int

const (
	NAS Kind = iota
	Removable
)

func (k Kind) String() string {
	if k == Removable {
		return "removable"
	}
	return "nas"
}

// Descriptor identifies a resolved destination: where it mounts and what
// backs it. BackupDir is where artifacts go once mounted.
type Descriptor struct {
	Kind       Kind
	MountPoint string
	SubPath    string
	NAS        config.NAS
	Device     string
}

// BackupDir is the artifact directory under the mount point.
func (d Descriptor) BackupDir() string {
	return filepath.Join(d.MountPoint, d.SubPath)
}

// ProbeNetwork pings the host once. Unreachable is a state, not a
// failure: the caller chooses how to degrade.
func ProbeNetwork(ctx context.Context, host string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	cmd := exec.CommandContext(ctx, "ping", "-c", "1", "-W", fmt.Sprint(secs), host)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, host)
	}
	return nil
}

// Mount is a mounted destination; Unmount is safe to defer on every
// path.
type Mount struct {
	Point   string
	mounted bool
}

// IsMountPoint guards against double-mount clobbering.
func IsMountPoint(ctx context.Context, path string) bool {
	return exec.CommandContext(ctx, "mountpoint", "-q", path).Run() == nil
}

// MountCIFS mounts the share read-write using the supplied credentials.
func MountCIFS(ctx context.Context, nas config.NAS, mountPoint string) (*Mount, error) {
	if IsMountPoint(ctx, mountPoint) {
		return nil, fmt.Errorf("%s is already a mountpoint", mountPoint)
	}
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mount point: %w", err)
	}

	opts := fmt.Sprintf("username=%s,password=%s,rw,file_mode=0600,dir_mode=0700", nas.Username, nas.Password)
	cmd := exec.CommandContext(ctx, "mount", "-t", "cifs", nas.Source(), mountPoint, "-o", opts)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", nas.Source(), err)
	}
	slog.Info("Mounted CIFS share", "source", nas.Source(), "mountpoint", mountPoint)
	return &Mount{Point: mountPoint, mounted: true}, nil
}

// MountDevice mounts a removable device read-write, preferring its first
// partition and falling back to the whole device for partitionless
// media.
func MountDevice(ctx context.Context, dev string, mountPoint string) (*Mount, error) {
	if IsMountPoint(ctx, mountPoint) {
		return nil, fmt.Errorf("%s is already a mountpoint", mountPoint)
	}
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mount point: %w", err)
	}

	candidates := []string{device.PartitionPath(dev, 1), dev}
	var lastErr error
	for _, candidate := range candidates {
		if !device.IsBlockDevice(candidate) {
			continue
		}
		cmd := exec.CommandContext(ctx, "mount", candidate, mountPoint)
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			lastErr = fmt.Errorf("failed to mount %s: %w", candidate, err)
			continue
		}
		slog.Info("Mounted device", "device", candidate, "mountpoint", mountPoint)
		return &Mount{Point: mountPoint, mounted: true}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no mountable device found for %s", dev)
	}
	return nil, lastErr
}

// Unmount syncs and releases the mount. Idempotent.
func (m *Mount) Unmount(ctx context.Context) error {
	if m == nil || !m.mounted {
		return nil
	}
	syscall.Sync()
	cmd := exec.CommandContext(ctx, "umount", m.Point)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", m.Point, err)
	}
	m.mounted = false
	slog.Info("Unmounted", "mountpoint", m.Point)
	return nil
}

// TestWrite proves write access by creating the backup sub-path and
// round-tripping a marker file.
func TestWrite(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup path: %w", err)
	}
	marker := filepath.Join(dir, fmt.Sprintf(".zhb-write-test-%d", os.Getpid()))
	if err := os.WriteFile(marker, []byte("zhb\n"), 0o600); err != nil {
		return fmt.Errorf("write test failed: %w", err)
	}
	if err := os.Remove(marker); err != nil {
		return fmt.Errorf("failed to remove write test marker: %w", err)
	}
	return nil
}

// MountAndTestWrite performs the full usability check for a NAS target:
// real mount, sub-path creation, marker write, unmount on both paths.
func MountAndTestWrite(ctx context.Context, nas config.NAS, mountPoint string) error {
	mount, err := MountCIFS(ctx, nas, mountPoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := mount.Unmount(ctx); err != nil {
			slog.Warn("Failed to unmount after write test", "error", err)
		}
	}()
	return TestWrite(filepath.Join(mountPoint, nas.Path))
}

// FreeSpace reports the bytes available to unprivileged writes at path.
func FreeSpace(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// CheckFreeSpace enforces the minimum threshold before any stream
// starts.
func CheckFreeSpace(path string) error {
	free, err := FreeSpace(path)
	if err != nil {
		return err
	}
	if free < MinFreeSpace {
		return fmt.Errorf("insufficient free space on %s: %d GiB available, %d GiB required",
			path, free>>30, uint64(MinFreeSpace)>>30)
	}
	return nil
}
