package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"zhb/internal/backupset"
	"zhb/internal/input"
	"zhb/internal/zfs"
)

type listArgs struct {
	configPath string
	from       string
	jsonOut    bool
}

type setView struct {
	Token        string `json:"token"`
	Date         string `json:"date,omitempty"`
	Complete     bool   `json:"complete"`
	BootArtifact string `json:"boot_artifact,omitempty"`
	ZFSArtifact  string `json:"zfs_artifact,omitempty"`
	TotalBytes   int64  `json:"total_bytes"`
	HasManifest  bool   `json:"has_manifest"`
}

func runList(ctx context.Context, args listArgs) error {
	p := input.New()
	cfg, err := loadConfigLenient(args.configPath)
	if err != nil {
		return err
	}
	defer cfg.Scrub()

	srcDir, _, cleanup, err := openSource(ctx, cfg, p, args.from)
	if err != nil {
		return err
	}
	defer cleanup()

	sets, err := backupset.Discover(srcDir)
	if err != nil {
		return err
	}

	views := make([]setView, 0, len(sets))
	for _, s := range sets {
		view := setView{
			Token:        s.Token,
			Complete:     s.Complete(),
			BootArtifact: s.BootArtifact,
			ZFSArtifact:  s.ZFSArtifact,
			HasManifest:  s.Manifest != "",
		}
		if t, err := s.Time(); err == nil {
			view.Date = t.Format("2006-01-02 15:04")
		}
		for _, name := range []string{s.BootArtifact, s.ZFSArtifact} {
			if name == "" {
				continue
			}
			if info, err := os.Stat(filepath.Join(srcDir, name)); err == nil {
				view.TotalBytes += info.Size()
			}
		}
		views = append(views, view)
	}

	if args.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	if len(views) == 0 {
		fmt.Printf("No backup sets found in %s\n", srcDir)
		return nil
	}

	fmt.Printf("Backup sets in %s:\n\n", srcDir)
	fmt.Printf("%-14s  %-17s  %-10s  %9s  %s\n", "TOKEN", "DATE", "STATE", "SIZE", "MANIFEST")
	for _, v := range views {
		state := "complete"
		if !v.Complete {
			state = "incomplete"
		}
		hasManifest := "yes"
		if !v.HasManifest {
			hasManifest = "no"
		}
		fmt.Printf("%-14s  %-17s  %-10s  %6d MiB  %s\n", v.Token, v.Date, state, v.TotalBytes>>20, hasManifest)
	}

	if cfg.Pool != "" {
		if snapshots, err := zfs.ListBackupSnapshots(ctx, cfg.Pool); err == nil && len(snapshots) > 0 {
			fmt.Printf("\nRetained snapshots on %s:\n", cfg.Pool)
			for _, s := range snapshots {
				fmt.Printf("  %s\n", s)
			}
		}
	}
	return nil
}
