package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zhb/internal/backupset"
	"zhb/internal/config"
	"zhb/internal/device"
	"zhb/internal/input"
	"zhb/internal/logging"
	"zhb/internal/remote"
	"zhb/internal/target"
)

const (
	nasMountPoint       = "/mnt/zhb-nas"
	removableMountPoint = "/mnt/zhb-usb"
	removableSubPath    = "zhb-backups"
	logDir              = "/var/log/zhb"

	networkProbeTimeout = 5 * time.Second

	// defaultPromptTimeout bounds each setup wizard prompt so a
	// half-attended run never hangs forever; `zhb setup` can override it.
	defaultPromptTimeout = 5 * time.Minute
)

// errDeclined means the operator answered a confirmation with no; the
// run ends without error.
var errDeclined = errors.New("declined by operator")

func setupLogging(verbose bool) (func(), error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(logDir, time.Now().Format("2006-01-02")+".log")
	logger, file, err := logging.NewLogger(path, verbose)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return func() { file.Close() }, nil
}

// loadConfig reads the credentials file. When nothing usable exists,
// interactive callers get the setup wizard and automated callers a
// pointer at it.
func loadConfig(ctx context.Context, path string, p *input.Prompter, allowWizard bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, nil
	case errors.Is(err, config.ErrNeedsSetup):
		if !allowWizard {
			return nil, fmt.Errorf("%w: run 'zhb setup' or set ZHB_PASSPHRASE and ZHB_POOL", err)
		}
		fmt.Println("No usable credentials found, entering setup.")
		return setupWizard(ctx, path, p, cfg, defaultPromptTimeout)
	default:
		return nil, err
	}
}

// loadConfigLenient is for restore and verify, which may run from live
// media with no credentials file at all. Missing keys are filled in by
// prompts later.
func loadConfigLenient(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && !errors.Is(err, config.ErrNeedsSetup) {
		return nil, err
	}
	return cfg, nil
}

func deviceLabel(d device.BlockDevice) string {
	label := fmt.Sprintf("%s  %s", d.Path, d.HumanSize())
	if d.Model != "" {
		label += "  " + d.Model
	}
	if d.Transport != "" {
		label += "  (" + d.Transport + ")"
	}
	return label
}

// chooseDisk presents the candidates and returns the selected path.
func chooseDisk(ctx context.Context, p *input.Prompter, prompt string, candidates []device.BlockDevice) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidate disks found")
	}
	labels := make([]string, len(candidates))
	for i, d := range candidates {
		labels[i] = deviceLabel(d)
	}
	idx, err := p.Choose(ctx, prompt, labels)
	if err != nil {
		return "", err
	}
	return candidates[idx].Path, nil
}

// openSource makes the backup sets of a source reachable as a local
// directory. It returns the directory, the device backing it (empty for
// NAS and plain directories, used to exclude it from restore targets)
// and a cleanup releasing any mount.
func openSource(ctx context.Context, cfg *config.Config, p *input.Prompter, fromDir string) (string, string, func(), error) {
	noop := func() {}

	if fromDir == "s3" {
		return openS3Source(ctx, cfg, p)
	}
	if fromDir != "" {
		info, err := os.Stat(fromDir)
		if err != nil {
			return "", "", noop, err
		}
		if !info.IsDir() {
			return "", "", noop, fmt.Errorf("%s is not a directory", fromDir)
		}
		return fromDir, "", noop, nil
	}

	options := []string{}
	if cfg.NAS.Configured() {
		options = append(options, fmt.Sprintf("NAS share %s", cfg.NAS.Source()))
	}
	options = append(options, "Removable device", "Local directory")
	if cfg.S3.Enabled && cfg.S3.Bucket != "" {
		options = append(options, fmt.Sprintf("Offsite copy (s3://%s)", cfg.S3.Bucket))
	}

	idx, err := p.Choose(ctx, "Where is the backup? ", options)
	if err != nil {
		return "", "", noop, err
	}
	choice := options[idx]

	switch {
	case choice == "Removable device":
		ins := device.NewInspector()
		all, err := ins.ListBlockDevices(ctx)
		if err != nil {
			return "", "", noop, err
		}
		var disks []device.BlockDevice
		for _, d := range all {
			if d.Type == "disk" {
				disks = append(disks, d)
			}
		}
		dev, err := chooseDisk(ctx, p, "Device holding the backup: ", disks)
		if err != nil {
			return "", "", noop, err
		}
		mount, err := target.MountDevice(ctx, dev, removableMountPoint)
		if err != nil {
			return "", "", noop, err
		}
		cleanup := func() {
			if err := mount.Unmount(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Failed to unmount source", "error", err)
			}
		}
		dir := filepath.Join(removableMountPoint, removableSubPath)
		if _, err := os.Stat(dir); err != nil {
			dir = removableMountPoint
		}
		return dir, dev, cleanup, nil

	case choice == "Local directory":
		dir, err := p.Line(ctx, "Directory containing the backup set: ")
		if err != nil {
			return "", "", noop, err
		}
		if _, err := os.Stat(dir); err != nil {
			return "", "", noop, err
		}
		return dir, "", noop, nil

	case strings.HasPrefix(choice, "Offsite copy"):
		return openS3Source(ctx, cfg, p)

	default: // NAS
		if err := target.ProbeNetwork(ctx, cfg.NAS.Host, networkProbeTimeout); err != nil {
			return "", "", noop, err
		}
		mount, err := target.MountCIFS(ctx, cfg.NAS, nasMountPoint)
		if err != nil {
			return "", "", noop, err
		}
		cleanup := func() {
			if err := mount.Unmount(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Failed to unmount source", "error", err)
			}
		}
		return filepath.Join(nasMountPoint, cfg.NAS.Path), "", cleanup, nil
	}
}

// selectSet picks a backup set from a source directory: by token when
// given, by prompt otherwise, newest first. Incomplete sets are shown
// but not offered.
func selectSet(ctx context.Context, p *input.Prompter, dir, token string) (*backupset.Set, error) {
	sets, err := backupset.Discover(dir)
	if err != nil {
		return nil, err
	}

	var complete []backupset.Set
	for _, s := range sets {
		if s.Complete() {
			complete = append(complete, s)
		} else {
			fmt.Printf("Skipping incomplete set %s (missing %s artifact)\n", s.Token, missingArtifact(s))
		}
	}
	if len(complete) == 0 {
		return nil, fmt.Errorf("no complete backup sets found in %s", dir)
	}

	if token != "" {
		for i := range complete {
			if complete[i].Token == token {
				return &complete[i], nil
			}
		}
		return nil, fmt.Errorf("no complete set with token %s in %s", token, dir)
	}

	if len(complete) == 1 {
		return &complete[0], nil
	}

	labels := make([]string, len(complete))
	for i, s := range complete {
		label := s.Token
		if t, err := s.Time(); err == nil {
			label = fmt.Sprintf("%s  (%s)", s.Token, t.Format("2006-01-02 15:04"))
		}
		if s.Manifest == "" {
			label += "  [no manifest]"
		}
		labels[i] = label
	}
	idx, err := p.Choose(ctx, "Backup set to use: ", labels)
	if err != nil {
		return nil, err
	}
	return &complete[idx], nil
}

// openS3Source pulls a replicated set down from the offsite bucket into
// a local directory so discovery and restore work on it unchanged. The
// download can be tens of gigabytes, hence the directory prompt.
func openS3Source(ctx context.Context, cfg *config.Config, p *input.Prompter) (string, string, func(), error) {
	noop := func() {}
	if !cfg.S3.Enabled || cfg.S3.Bucket == "" {
		return "", "", noop, fmt.Errorf("no offsite replication configured; run 'zhb setup'")
	}

	pool := cfg.Pool
	if pool == "" {
		var err error
		if pool, err = p.LineDefault(ctx, "Pool the backup belongs to", "rpool"); err != nil {
			return "", "", noop, err
		}
	}

	backend, err := remote.New(ctx, cfg.S3)
	if err != nil {
		return "", "", noop, err
	}
	tokens, err := backend.ListTokens(ctx, pool)
	if err != nil {
		return "", "", noop, err
	}
	if len(tokens) == 0 {
		return "", "", noop, fmt.Errorf("no replicated sets for pool %s in s3://%s", pool, cfg.S3.Bucket)
	}

	token := tokens[len(tokens)-1]
	if len(tokens) > 1 {
		idx, err := p.Choose(ctx, "Replicated set to fetch: ", tokens)
		if err != nil {
			return "", "", noop, err
		}
		token = tokens[idx]
	}

	base, err := p.LineDefault(ctx, "Download directory", "/var/tmp")
	if err != nil {
		return "", "", noop, err
	}
	dir, err := os.MkdirTemp(base, "zhb_s3_*")
	if err != nil {
		return "", "", noop, err
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("Failed to remove downloaded set", "dir", dir, "error", err)
		}
	}
	if err := backend.DownloadSet(ctx, pool, token, dir); err != nil {
		cleanup()
		return "", "", noop, err
	}
	return dir, "", cleanup, nil
}

func missingArtifact(s backupset.Set) string {
	if s.BootArtifact == "" {
		return "boot"
	}
	return "zfs"
}
