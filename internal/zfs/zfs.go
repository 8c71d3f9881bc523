// Package zfs wraps the zfs and zpool command line tools. Everything here
// is a thin exec adapter; the pool is the source of truth and snapshot
// creation is atomic on the ZFS side.
package zfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// SnapshotPrefix names the snapshots this tool creates.
const SnapshotPrefix = "backup-"

// SnapshotName builds the recursive backup snapshot name for a pool,
// minute granularity.
func SnapshotName(pool string, t time.Time) string {
	return fmt.Sprintf("%s@%s%s", pool, SnapshotPrefix, t.Format("20060102-1504"))
}

func PoolExists(ctx context.Context, pool string) error {
	cmd := exec.CommandContext(ctx, "zfs", "list", "-H", "-o", "name", pool)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ZFS pool %s not found or not accessible", pool)
	}
	return nil
}

func SnapshotExists(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "zfs", "list", "-H", "-o", "name", "-t", "snapshot", name)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateSnapshot creates a recursive snapshot across all datasets of the
// pool. Failure is fatal for a backup run: there is no consistent
// point-in-time view without it.
func CreateSnapshot(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "zfs", "snapshot", "-r", name)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to create snapshot %s: %w", name, err)
	}
	slog.Info("Snapshot created", "snapshot", name)
	return nil
}

func DestroySnapshot(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "zfs", "destroy", "-r", name)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to destroy snapshot %s: %w", name, err)
	}
	slog.Info("Snapshot destroyed", "snapshot", name)
	return nil
}

// ListBackupSnapshots returns this tool's snapshots on the pool itself,
// newest first.
func ListBackupSnapshots(ctx context.Context, pool string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "zfs", "list", "-H", "-o", "name", "-t", "snapshot", "-d", "1", pool)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for %s: %w", pool, err)
	}

	var snapshots []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		_, snapName, ok := strings.Cut(line, "@")
		if !ok || !strings.HasPrefix(snapName, SnapshotPrefix) {
			continue
		}
		snapshots = append(snapshots, line)
	}
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i] > snapshots[j]
	})
	return snapshots, nil
}

// SendStream starts a recursive zfs send of the snapshot and returns its
// output stream. Close reaps the child.
func SendStream(ctx context.Context, snapshot string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "zfs", "send", "-R", snapshot)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create zfs send pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to start zfs send: %w", err)
	}
	slog.Info("Running zfs send", "snapshot", snapshot)
	return &waitReadCloser{ReadCloser: stdout, wait: cmd.Wait}, nil
}

type waitReadCloser struct {
	io.ReadCloser
	wait func() error
}

func (r *waitReadCloser) Close() error {
	cerr := r.ReadCloser.Close()
	if err := r.wait(); err != nil {
		return err
	}
	return cerr
}

// Receive replays a stream into the pool with the force flag.
func Receive(ctx context.Context, pool string, stream io.Reader) error {
	cmd := exec.CommandContext(ctx, "zfs", "receive", "-F", pool)
	cmd.Stdin = stream
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	slog.Info("Running zfs receive", "target", pool)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("zfs receive failed: %w", err)
	}
	return nil
}

// ReceiveDryRun feeds the stream into zfs receive -n and returns the
// combined output. The exit status of a dry run is unreliable for some
// valid streams, so callers get the raw output to interpret.
func ReceiveDryRun(ctx context.Context, target string, stream io.Reader) (string, error) {
	cmd := exec.CommandContext(ctx, "zfs", "receive", "-n", "-F", "-v", target)
	cmd.Stdin = stream
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// CreatePool builds a fresh single-device pool for restore. Mount is
// deferred via altroot so the restored datasets do not shadow the live
// system.
func CreatePool(ctx context.Context, pool, device string) error {
	cmd := exec.CommandContext(ctx, "zpool", "create", "-f",
		"-o", "ashift=12",
		"-O", "mountpoint=none",
		"-R", "/mnt/zhb-restore",
		pool, device)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	slog.Info("Creating pool", "pool", pool, "device", device)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("zpool create failed: %w", err)
	}
	return nil
}

// PoolHealthy checks zpool status -x for the "is healthy" verdict.
func PoolHealthy(ctx context.Context, pool string) error {
	out, err := exec.CommandContext(ctx, "zpool", "status", "-x", pool).Output()
	if err != nil {
		return fmt.Errorf("zpool status failed for %s: %w", pool, err)
	}
	if !strings.Contains(string(out), "is healthy") {
		return fmt.Errorf("pool %s is not healthy: %s", pool, strings.TrimSpace(string(out)))
	}
	return nil
}

// ListDatasets returns all datasets of the pool.
func ListDatasets(ctx context.Context, pool string) ([]string, error) {
	out, err := exec.CommandContext(ctx, "zfs", "list", "-H", "-o", "name", "-r", pool).Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets for %s: %w", pool, err)
	}
	var datasets []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			datasets = append(datasets, line)
		}
	}
	return datasets, nil
}

// FindRootDataset picks the dataset a bootloader would want as bootfs:
// a child under a ROOT container, the pattern used by installers like
// zfsbootmenu and ubuntu's zsys.
func FindRootDataset(datasets []string) (string, bool) {
	var container string
	for _, ds := range datasets {
		parts := strings.Split(ds, "/")
		for i, part := range parts {
			if strings.EqualFold(part, "ROOT") && i == len(parts)-1 {
				container = ds
			}
		}
	}
	if container != "" {
		for _, ds := range datasets {
			if strings.HasPrefix(ds, container+"/") && !strings.Contains(strings.TrimPrefix(ds, container+"/"), "/") {
				return ds, true
			}
		}
	}
	for _, ds := range datasets {
		for _, part := range strings.Split(ds, "/") {
			if strings.EqualFold(part, "ROOT") {
				return ds, true
			}
		}
	}
	return "", false
}

// SetBootFS points the pool's bootfs property at the root dataset.
func SetBootFS(ctx context.Context, pool, dataset string) error {
	cmd := exec.CommandContext(ctx, "zpool", "set", "bootfs="+dataset, pool)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to set bootfs=%s on %s: %w", dataset, pool, err)
	}
	slog.Info("bootfs set", "pool", pool, "dataset", dataset)
	return nil
}

// Version returns the userland/kernel zfs versions from zfs version -j.
func Version(ctx context.Context) (userland, kernel string, err error) {
	out, err := exec.CommandContext(ctx, "zfs", "version", "-j").Output()
	if err != nil {
		return "", "", err
	}
	return parseVersionJSON(out)
}
