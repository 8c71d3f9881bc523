// Package restore rebuilds a system from a backup set: partition the
// target disk, recreate the pool, replay the ZFS stream, extract the
// boot files. The destructive steps have no rollback by design; the
// passphrase is proven and the plan confirmed before the first one runs.
package restore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"zhb/internal/codec"
	"zhb/internal/crypto"
	"zhb/internal/manifest"
	"zhb/internal/target"
	"zhb/internal/zfs"
)

// Run executes a confirmed plan. The caller has already probed the
// passphrase against the boot artifact and collected the typed
// confirmation; from step one onward failures are fatal and the
// instructions document is the fallback.
func Run(ctx context.Context, plan Plan, passphrase string) error {
	if !plan.Set.Complete() {
		return fmt.Errorf("backup set %s is incomplete", plan.Set.Token)
	}

	slog.Info("Restore started", "disk", plan.Disk, "pool", plan.Pool, "set", plan.Set.Token)

	if err := PartitionDisk(ctx, plan.Disk); err != nil {
		return err
	}
	if err := FormatEFI(ctx, plan.EFIPartition); err != nil {
		return err
	}
	if err := zfs.CreatePool(ctx, plan.Pool, plan.ZFSPartition); err != nil {
		return err
	}

	if err := receivePool(ctx, plan, passphrase); err != nil {
		return err
	}
	if err := extractBoot(ctx, plan, passphrase); err != nil {
		return err
	}
	if err := setBootFS(ctx, plan.Pool); err != nil {
		return err
	}

	if err := Verify(ctx, plan); err != nil {
		return err
	}

	slog.Info("Restore completed", "pool", plan.Pool)
	return nil
}

// PartitionDisk wipes the target's partition table and lays out the
// EFI + ZFS scheme.
func PartitionDisk(ctx context.Context, disk string) error {
	steps := [][]string{
		{"sgdisk", "--zap-all", disk},
		{"sgdisk", "-n1:0:+512M", "-t1:EF00", disk},
		{"sgdisk", "-n2:0:0", "-t2:BF00", disk},
		{"partprobe", disk},
	}
	for _, step := range steps {
		cmd := exec.CommandContext(ctx, step[0], step[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		slog.Info("Partitioning", "command", step)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s failed: %w", step[0], err)
		}
	}
	return nil
}

func FormatEFI(ctx context.Context, partition string) error {
	cmd := exec.CommandContext(ctx, "mkfs.fat", "-F32", partition)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mkfs.fat failed on %s: %w", partition, err)
	}
	return nil
}

// openArtifact opens an artifact and layers the decrypt and decompress
// filters, derived from the filename.
func openArtifact(ctx context.Context, path, passphrase string) (io.ReadCloser, func(), error) {
	cipher, ok := crypto.FromName(path)
	if !ok {
		return nil, nil, fmt.Errorf("%s: unrecognized artifact extension", path)
	}
	comp := codec.FromName(path)

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	decrypter, err := cipher.Decrypt(ctx, f, passphrase)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("decryption failed for %s: %w", path, err)
	}
	decompressor, err := comp.Decompress(ctx, decrypter)
	if err != nil {
		decrypter.Close()
		f.Close()
		return nil, nil, fmt.Errorf("decompression failed for %s: %w", path, err)
	}

	cleanup := func() {
		decompressor.Close()
		decrypter.Close()
		f.Close()
	}
	return decompressor, cleanup, nil
}

func receivePool(ctx context.Context, plan Plan, passphrase string) error {
	stream, cleanup, err := openArtifact(ctx, plan.Set.ZFSPath(), passphrase)
	if err != nil {
		return err
	}
	defer cleanup()

	slog.Info("Receiving pool data", "artifact", plan.Set.ZFSArtifact)
	return zfs.Receive(ctx, plan.Pool, stream)
}

func extractBoot(ctx context.Context, plan Plan, passphrase string) error {
	tmp, err := os.MkdirTemp("", "zhb_restore_efi_*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	mount, err := target.MountDevice(ctx, plan.EFIPartition, tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err := mount.Unmount(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to unmount EFI partition", "error", err)
		}
	}()

	stream, cleanup, err := openArtifact(ctx, plan.Set.BootPath(), passphrase)
	if err != nil {
		return err
	}
	defer cleanup()

	slog.Info("Extracting boot files", "artifact", plan.Set.BootArtifact, "target", tmp)
	cmd := exec.CommandContext(ctx, "tar", "-xpf", "-", "-C", tmp)
	cmd.Stdin = stream
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("boot file extraction failed: %w", err)
	}
	return nil
}

// setBootFS autodetects the root dataset and points bootfs at it. When
// detection fails the operator gets the exact command to run by hand;
// the restore itself still counts as successful.
func setBootFS(ctx context.Context, pool string) error {
	datasets, err := zfs.ListDatasets(ctx, pool)
	if err != nil {
		return err
	}
	root, ok := zfs.FindRootDataset(datasets)
	if !ok {
		slog.Warn("Could not detect root dataset; set bootfs manually",
			"command", fmt.Sprintf("zpool set bootfs=%s/ROOT/<dataset> %s", pool, pool))
		return nil
	}
	if err := zfs.SetBootFS(ctx, pool, root); err != nil {
		slog.Warn("Failed to set bootfs; set it manually",
			"command", fmt.Sprintf("zpool set bootfs=%s %s", root, pool), "error", err)
	}
	return nil
}

// Verify checks the restored system: healthy pool, datasets present,
// boot files present.
func Verify(ctx context.Context, plan Plan) error {
	if err := zfs.PoolHealthy(ctx, plan.Pool); err != nil {
		return err
	}

	datasets, err := zfs.ListDatasets(ctx, plan.Pool)
	if err != nil {
		return err
	}
	if len(datasets) == 0 {
		return fmt.Errorf("pool %s has no datasets after restore", plan.Pool)
	}

	tmp, err := os.MkdirTemp("", "zhb_verify_efi_*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	mount, err := target.MountDevice(ctx, plan.EFIPartition, tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err := mount.Unmount(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to unmount EFI partition", "error", err)
		}
	}()

	entries, err := os.ReadDir(tmp)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("EFI partition %s is empty after restore", plan.EFIPartition)
	}

	slog.Info("Restore verified", "datasets", len(datasets), "efi_entries", len(entries))
	return nil
}

// ProbePassphrase proves the passphrase against the boot artifact, the
// gate before any destructive action.
func ProbePassphrase(ctx context.Context, bootPath, passphrase string) error {
	return crypto.ProbeDecrypt(ctx, bootPath, passphrase)
}

// VerifyChecksums rechecks both artifacts against the manifest sidecar
// when one exists. Sets from older versions have no sidecar; that is
// not an error.
func VerifyChecksums(plan Plan, m *manifest.Set) error {
	if m == nil {
		return nil
	}
	for _, pair := range []struct {
		path string
		want string
	}{
		{plan.Set.BootPath(), m.Boot.Blake3Hash},
		{plan.Set.ZFSPath(), m.ZFS.Blake3Hash},
	} {
		if pair.want == "" {
			continue
		}
		got, err := crypto.BLAKE3File(pair.path)
		if err != nil {
			return err
		}
		if got != pair.want {
			return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", pair.path, pair.want, got)
		}
	}
	return nil
}
