// Package backup drives the backup pipeline: destination mount, free
// space gate, snapshot, boot and pool artifact streams, instructions
// document, optional offsite replication.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"zhb/internal/backupset"
	"zhb/internal/codec"
	"zhb/internal/config"
	"zhb/internal/crypto"
	"zhb/internal/device"
	"zhb/internal/lock"
	"zhb/internal/manifest"
	"zhb/internal/remote"
	"zhb/internal/target"
	"zhb/internal/zfs"
)

// Options carries the per-run knobs the CLI resolves before handing
// over.
type Options struct {
	// Auto suppresses every prompt; collisions and retained snapshots
	// take their defaults.
	Auto bool

	// DecideSnapshotReuse answers a snapshot name collision in
	// interactive mode; ignored when Auto is set.
	DecideSnapshotReuse func(name string) (zfs.ReuseDecision, error)

	// Inspector resolves devices; nil means the real exec-backed one.
	Inspector *device.Inspector

	// RunDir holds the lock file. Empty means /run/zhb.
	RunDir string

	// Now is injectable for tests; zero means time.Now.
	Now time.Time
}

// Run executes the full pipeline against a resolved destination and
// returns the manifest of the produced set. Every step is a hard gate:
// on failure the partial artifact is removed and the destination
// unmounted; the snapshot is left behind for inspection.
func Run(ctx context.Context, cfg *config.Config, dest target.Descriptor, opts Options) (*manifest.Set, error) {
	ci, err := crypto.ParseCipher(cfg.Cipher)
	if err != nil {
		return nil, err
	}
	comp, err := codec.Parse(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if err := zfs.PoolExists(ctx, cfg.Pool); err != nil {
		return nil, err
	}

	ins := opts.Inspector
	if ins == nil {
		ins = device.NewInspector()
	}

	runDir := opts.RunDir
	if runDir == "" {
		runDir = "/run/zhb"
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	releaseLock, err := lock.Acquire(filepath.Join(runDir, cfg.Pool+".lock"), cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if err := releaseLock(); err != nil {
			slog.Warn("Failed to release lock", "error", err)
		}
	}()

	// Boot files come from the mounted EFI tree; detection is only
	// needed to find and mount it when it is not already mounted.
	efiDir, efiCleanup, err := resolveEFIDir(ctx, ins, cfg.Pool)
	if err != nil {
		return nil, err
	}
	defer efiCleanup()

	// Mount before snapshot so no snapshot is created for a doomed run.
	mount, err := mountDestination(ctx, dest)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := mount.Unmount(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to unmount destination", "error", err)
		}
	}()

	backupDir := dest.BackupDir()
	if err := target.TestWrite(backupDir); err != nil {
		return nil, err
	}
	if err := target.CheckFreeSpace(backupDir); err != nil {
		return nil, err
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	decide := opts.DecideSnapshotReuse
	if opts.Auto || decide == nil {
		decide = zfs.AlwaysReuse
	}
	snapshot, err := zfs.EnsureSnapshot(ctx, cfg.Pool, now, decide)
	if err != nil {
		return nil, err
	}

	token := backupset.Token(now)
	m := &manifest.Set{
		Token:       token,
		Datetime:    now.Unix(),
		System:      manifest.GetSystemInfo(ctx),
		Pool:        cfg.Pool,
		Snapshot:    snapshot,
		Cipher:      ci.String(),
		Compression: comp.String(),
	}

	// Boot artifact first: small, and its early failure costs nothing.
	bootPath := filepath.Join(backupDir, backupset.BootArtifactName(token, comp, ci))
	slog.Info("Streaming boot files", "source", efiDir, "artifact", bootPath)
	tarSrc, err := tarStream(ctx, efiDir)
	if err != nil {
		return nil, err
	}
	m.Boot, err = streamArtifact(ctx, tarSrc, bootPath, comp, ci, cfg.Passphrase)
	if cerr := tarSrc.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("tar failed: %w", cerr)
		_ = os.Remove(bootPath)
	}
	if err != nil {
		return nil, err
	}
	if err := crypto.ProbeDecrypt(ctx, bootPath, cfg.Passphrase); err != nil {
		_ = os.Remove(bootPath)
		return nil, fmt.Errorf("boot artifact smoke test failed: %w", err)
	}
	slog.Info("Boot artifact written", "size_bytes", m.Boot.SizeBytes, "blake3", m.Boot.Blake3Hash)

	zfsPath := filepath.Join(backupDir, backupset.ZFSArtifactName(cfg.Pool, token, comp, ci))
	slog.Info("Streaming pool data", "snapshot", snapshot, "artifact", zfsPath)
	sendSrc, err := zfs.SendStream(ctx, snapshot)
	if err != nil {
		return nil, err
	}
	m.ZFS, err = streamArtifact(ctx, sendSrc, zfsPath, comp, ci, cfg.Passphrase)
	if cerr := sendSrc.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("zfs send failed: %w", cerr)
		_ = os.Remove(zfsPath)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("Pool artifact written", "size_bytes", m.ZFS.SizeBytes, "blake3", m.ZFS.Blake3Hash)

	if err := manifest.Write(filepath.Join(backupDir, backupset.ManifestName(token)), m); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := manifest.WriteInstructions(filepath.Join(backupDir, backupset.InstructionsName(token)), m); err != nil {
		return nil, fmt.Errorf("failed to write instructions: %w", err)
	}

	if cfg.S3.Enabled {
		if err := replicate(ctx, cfg, backupDir, token); err != nil {
			return nil, fmt.Errorf("offsite replication failed: %w", err)
		}
	}

	if !cfg.KeepSnapshot {
		if err := zfs.DestroySnapshot(context.WithoutCancel(ctx), snapshot); err != nil {
			slog.Warn("Failed to destroy snapshot after backup", "snapshot", snapshot, "error", err)
		}
	} else {
		slog.Info("Snapshot retained", "snapshot", snapshot)
	}

	slog.Info("Backup completed", "token", token)
	return m, nil
}

func mountDestination(ctx context.Context, dest target.Descriptor) (*target.Mount, error) {
	switch dest.Kind {
	case target.Removable:
		return target.MountDevice(ctx, dest.Device, dest.MountPoint)
	default:
		return target.MountCIFS(ctx, dest.NAS, dest.MountPoint)
	}
}

// resolveEFIDir returns the directory holding the EFI file tree, mounting
// the detected EFI partition read-only when it is not already mounted.
func resolveEFIDir(ctx context.Context, ins *device.Inspector, pool string) (string, func(), error) {
	noop := func() {}

	if source, err := ins.MountSource(ctx, device.EFIMountPath); err == nil && source != "" {
		return device.EFIMountPath, noop, nil
	}

	sc, err := device.DetectSystem(ctx, ins, pool, nil)
	if err != nil {
		return "", noop, fmt.Errorf("EFI partition not mounted and not detectable: %w", err)
	}

	tmp, err := os.MkdirTemp("", "zhb_efi_*")
	if err != nil {
		return "", noop, err
	}
	mount, err := target.MountDevice(ctx, sc.EFIPartition, tmp)
	if err != nil {
		os.RemoveAll(tmp)
		return "", noop, err
	}
	cleanup := func() {
		if err := mount.Unmount(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to unmount EFI partition", "error", err)
		}
		os.RemoveAll(tmp)
	}
	return tmp, cleanup, nil
}

func replicate(ctx context.Context, cfg *config.Config, backupDir, token string) error {
	backend, err := remote.New(ctx, cfg.S3)
	if err != nil {
		return err
	}
	if err := backend.VerifyCredentials(ctx); err != nil {
		return err
	}
	return backend.UploadSet(ctx, backupDir, cfg.Pool, token)
}
