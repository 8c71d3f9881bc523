package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"zhb/internal/config"
	"zhb/internal/crypto"
	"zhb/internal/input"
)

func runSetup(ctx context.Context, configPath string, promptTimeout time.Duration) error {
	p := input.New()

	existing, err := loadConfigLenient(configPath)
	if err != nil {
		return err
	}

	cfg, err := setupWizard(ctx, configPath, p, existing, promptTimeout)
	if err != nil {
		return err
	}
	defer cfg.Scrub()
	return nil
}

// wizardPrompts binds the prompter to the wizard's per-prompt timeout:
// defaulted prompts take their default on silence, secret and free-form
// reads abort instead of defaulting.
type wizardPrompts struct {
	p       *input.Prompter
	ctx     context.Context
	timeout time.Duration
}

func (w wizardPrompts) line(prompt, def string) (string, error) {
	if w.timeout > 0 {
		return w.p.TimedLineDefault(w.ctx, prompt, def, w.timeout)
	}
	return w.p.LineDefault(w.ctx, prompt, def)
}

func (w wizardPrompts) yesNo(question string, def bool) (bool, error) {
	if w.timeout > 0 {
		return w.p.TimedYesNo(w.ctx, question, def, w.timeout)
	}
	return w.p.YesNo(w.ctx, question, def)
}

func (w wizardPrompts) bounded(read func(context.Context) (string, error)) (string, error) {
	rctx := w.ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(w.ctx, w.timeout)
		defer cancel()
	}
	s, err := read(rctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("no input within %s", w.timeout)
	}
	return s, err
}

func (w wizardPrompts) plain(prompt string) (string, error) {
	return w.bounded(func(ctx context.Context) (string, error) { return w.p.Line(ctx, prompt) })
}

func (w wizardPrompts) secret(prompt string) (string, error) {
	return w.bounded(func(ctx context.Context) (string, error) { return w.p.Passphrase(ctx, prompt) })
}

// setupWizard collects the credentials interactively. Saving to disk is
// an explicit opt-in; declined, the config lives only for this run.
func setupWizard(ctx context.Context, configPath string, p *input.Prompter, existing *config.Config, promptTimeout time.Duration) (*config.Config, error) {
	cfg := existing
	if cfg == nil {
		cfg = &config.Config{
			Cipher:      config.DefaultCipher,
			Compression: config.DefaultCompression,
		}
	}
	w := wizardPrompts{p: p, ctx: ctx, timeout: promptTimeout}

	fmt.Println("zhb setup")
	fmt.Println()

	passphrase, err := w.bounded(p.NewPassphrase)
	if err != nil {
		return nil, err
	}
	cfg.Passphrase = passphrase

	pool := cfg.Pool
	if pool == "" {
		pool = "rpool"
	}
	if cfg.Pool, err = w.line("ZFS pool to back up", pool); err != nil {
		return nil, err
	}
	if cfg.Cipher, err = w.line("Cipher (gpg or age)", cfg.Cipher); err != nil {
		return nil, err
	}
	if cfg.Compression, err = w.line("Compression (none, gzip, xz, lz4)", cfg.Compression); err != nil {
		return nil, err
	}

	wantNAS, err := w.yesNo("Configure a NAS target?", true)
	if err != nil {
		return nil, err
	}
	if wantNAS {
		if err := promptNAS(w, &cfg.NAS); err != nil {
			return nil, err
		}
	} else {
		cfg.NAS = config.NAS{}
	}

	wantS3, err := w.yesNo("Enable offsite replication to S3?", cfg.S3.Enabled)
	if err != nil {
		return nil, err
	}
	cfg.S3.Enabled = wantS3
	if wantS3 {
		if err := promptS3(w, &cfg.S3); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cipherSelfTest(ctx, cfg); err != nil {
		return nil, fmt.Errorf("cipher self-test failed: %w", err)
	}
	fmt.Printf("Cipher self-test passed (%s).\n", cfg.Cipher)

	// Silence must not persist secrets, so the save default is no.
	save, err := w.yesNo(fmt.Sprintf("Save credentials to %s?", configPath), false)
	if err != nil {
		return nil, err
	}
	if !save {
		fmt.Println("Not saved; credentials apply to this run only.")
		return cfg, nil
	}

	if err := config.Save(configPath, cfg); err != nil {
		return nil, err
	}
	fmt.Printf("Credentials saved to %s (owner-only permissions).\n", configPath)
	return cfg, nil
}

func promptNAS(w wizardPrompts, nas *config.NAS) error {
	var err error
	if nas.Host, err = w.line("NAS host", orDefault(nas.Host, "192.168.1.100")); err != nil {
		return err
	}
	if nas.Share, err = w.line("NAS share", orDefault(nas.Share, "backups")); err != nil {
		return err
	}
	if nas.Path, err = w.line("Path below the share", orDefault(nas.Path, "zhb")); err != nil {
		return err
	}
	if nas.Username, err = w.line("NAS username", orDefault(nas.Username, "backup")); err != nil {
		return err
	}
	password, err := w.secret("NAS password: ")
	if err != nil {
		return err
	}
	nas.Password = password
	return nil
}

func promptS3(w wizardPrompts, s3 *config.S3) error {
	var err error
	if s3.Bucket, err = w.plain("S3 bucket: "); err != nil {
		return err
	}
	if s3.Region, err = w.line("S3 region", orDefault(s3.Region, "us-east-1")); err != nil {
		return err
	}
	if s3.Prefix, err = w.line("Key prefix", orDefault(s3.Prefix, "zhb")); err != nil {
		return err
	}
	if s3.Endpoint, err = w.line("Custom endpoint (empty for AWS)", s3.Endpoint); err != nil {
		return err
	}
	return nil
}

// cipherSelfTest round-trips a probe message through the selected cipher
// so a broken gpg install or typo'd cipher surfaces now, not during the
// first backup.
func cipherSelfTest(ctx context.Context, cfg *config.Config) error {
	ci, err := crypto.ParseCipher(cfg.Cipher)
	if err != nil {
		return err
	}

	const probe = "zhb cipher self-test"
	var buf bytes.Buffer
	w, err := ci.Encrypt(ctx, &buf, cfg.Passphrase)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, probe); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	r, err := ci.Decrypt(ctx, bytes.NewReader(buf.Bytes()), cfg.Passphrase)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if string(data) != probe {
		return fmt.Errorf("decrypted data does not match")
	}
	return nil
}

func orDefault(value, def string) string {
	if value != "" {
		return value
	}
	return def
}
