package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"zhb/internal/codec"
	"zhb/internal/input"
	"zhb/internal/manifest"
	"zhb/internal/verify"
)

type verifyArgs struct {
	configPath string
	verbose    bool
	from       string
	token      string
	dryRun     bool
}

func runVerify(ctx context.Context, args verifyArgs) error {
	closeLog, err := setupLogging(args.verbose)
	if err != nil {
		return err
	}
	defer closeLog()

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

	set, err := selectSet(ctx, p, srcDir, args.token)
	if err != nil {
		return err
	}

	var m *manifest.Set
	if set.Manifest != "" {
		m, err = manifest.Read(filepath.Join(srcDir, set.Manifest))
		if err != nil {
			slog.Warn("Failed to read manifest, verifying without checksums", "error", err)
			m = nil
		}
	}

	passphrase := cfg.Passphrase
	if passphrase == "" {
		if passphrase, err = p.Passphrase(ctx, "Backup passphrase: "); err != nil {
			return err
		}
	}

	fmt.Printf("Verifying set %s\n", set.Token)

	bootOpts := verify.Options{DeclaredCodec: codec.FromName(set.BootArtifact)}
	zfsOpts := verify.Options{DeclaredCodec: codec.FromName(set.ZFSArtifact)}
	if m != nil {
		bootOpts.ExpectedBlake3 = m.Boot.Blake3Hash
		zfsOpts.ExpectedBlake3 = m.ZFS.Blake3Hash
	}
	if args.dryRun {
		if pool := receiveDryRunPool(cfg.Pool, m); pool != "" {
			zfsOpts.DryRunReceive = true
			zfsOpts.DryRunTarget = pool
		} else {
			fmt.Println("No pool known for the receive dry run, skipping it.")
		}
	}

	worst := verify.Full
	for _, check := range []struct {
		name string
		path string
		opts verify.Options
	}{
		{"boot artifact", set.BootPath(), bootOpts},
		{"pool artifact", set.ZFSPath(), zfsOpts},
	} {
		report := verify.Artifact(ctx, check.path, passphrase, check.opts)
		printReport(check.name, report)
		if report.Tier() < worst {
			worst = report.Tier()
		}
	}

	fmt.Println()
	switch worst {
	case verify.Full:
		fmt.Println("Verdict: pass. The set is restorable.")
		return nil
	case verify.Partial:
		fmt.Println("Verdict: partial. The set is likely restorable, but not every check passed.")
		return nil
	default:
		return fmt.Errorf("verification failed for set %s", set.Token)
	}
}

// receiveDryRunPool picks the target pool for the receive dry run: the
// manifest knows best, the configured pool is the fallback, and with
// neither the dry run is skipped.
func receiveDryRunPool(cfgPool string, m *manifest.Set) string {
	if m != nil && m.Pool != "" {
		return m.Pool
	}
	return cfgPool
}

func printReport(name string, report *verify.Report) {
	fmt.Printf("\n%s (%s):\n", name, filepath.Base(report.Artifact))
	for _, res := range report.Results {
		status := "ok"
		if !res.Passed {
			status = "FAIL"
		}
		line := fmt.Sprintf("  [%4s] %s", status, res.Name)
		if res.Detail != "" {
			line += ": " + res.Detail
		}
		fmt.Println(line)
	}
	fmt.Printf("  %d/%d checks passed (%s)\n", report.Passed(), report.Total(), report.Tier())
}
