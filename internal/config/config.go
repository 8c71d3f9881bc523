// Package config loads and stores the zhb credentials file.
//
// The file is line-oriented key=value, kept for compatibility with backups
// made by earlier versions of this tool, and must never be world-readable
// since it carries the encryption passphrase and NAS credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultPath = "/etc/zhb/zhb.conf"

	// MinPassphraseLength is enforced everywhere a passphrase enters the
	// system: file load, env override, and the setup wizard.
	MinPassphraseLength = 12

	DefaultCompression = "gzip"
	DefaultCipher      = "gpg"
)

// ErrNeedsSetup signals that no usable credentials were found. Interactive
// callers run the setup wizard; automated callers treat it as fatal.
var ErrNeedsSetup = errors.New("credentials not configured")

// NAS holds the CIFS share connection parameters. Either all connection
// fields are set or none are.
type NAS struct {
	Host     string
	Share    string
	Path     string
	Username string
	Password string
}

func (n NAS) Configured() bool {
	return n.Host != "" || n.Share != "" || n.Username != "" || n.Password != ""
}

// Source returns the //host/share form handed to mount.cifs.
func (n NAS) Source() string {
	return "//" + n.Host + "/" + n.Share
}

// S3 holds the optional offsite replication settings.
type S3 struct {
	Enabled     bool
	Bucket      string
	Region      string
	Prefix      string
	Endpoint    string
	MaxAttempts int
}

func (s S3) RetryAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 3
}

type Config struct {
	Passphrase   string
	Pool         string
	Cipher       string
	Compression  string
	KeepSnapshot bool
	NAS          NAS
	S3           S3
}

func defaults() *Config {
	return &Config{
		Cipher:      DefaultCipher,
		Compression: DefaultCompression,
	}
}

// Load reads the credentials file and applies environment overrides. A
// missing file or missing critical keys is not an error in itself: the
// partially filled config is returned together with ErrNeedsSetup so the
// caller can decide between wizard and abort.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := parse(cfg, string(data)); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to env overrides
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnv(cfg)

	if cfg.Passphrase == "" || cfg.Pool == "" {
		return cfg, ErrNeedsSetup
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(cfg *Config, data string) error {
	for i, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("line %d: expected key=value", i+1)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "PASSPHRASE":
			cfg.Passphrase = value
		case "POOL":
			cfg.Pool = value
		case "CIPHER":
			cfg.Cipher = value
		case "COMPRESSION":
			cfg.Compression = value
		case "KEEP_SNAPSHOT":
			cfg.KeepSnapshot = parseBool(value)
		case "NAS_HOST":
			cfg.NAS.Host = value
		case "NAS_SHARE":
			cfg.NAS.Share = value
		case "NAS_PATH":
			cfg.NAS.Path = value
		case "NAS_USER":
			cfg.NAS.Username = value
		case "NAS_PASS":
			cfg.NAS.Password = value
		case "S3_ENABLED":
			cfg.S3.Enabled = parseBool(value)
		case "S3_BUCKET":
			cfg.S3.Bucket = value
		case "S3_REGION":
			cfg.S3.Region = value
		case "S3_PREFIX":
			cfg.S3.Prefix = value
		case "S3_ENDPOINT":
			cfg.S3.Endpoint = value
		case "S3_MAX_RETRIES":
			if n, err := strconv.Atoi(value); err == nil {
				cfg.S3.MaxAttempts = n
			}
		default:
			// Unknown keys are preserved-ignored so older and newer
			// versions can share one file.
		}
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "yes", "true", "on":
		return true
	}
	return false
}

func applyEnv(cfg *Config) {
	for key, dst := range map[string]*string{
		"ZHB_PASSPHRASE": &cfg.Passphrase,
		"ZHB_POOL":       &cfg.Pool,
		"ZHB_NAS_HOST":   &cfg.NAS.Host,
		"ZHB_NAS_SHARE":  &cfg.NAS.Share,
		"ZHB_NAS_PATH":   &cfg.NAS.Path,
		"ZHB_NAS_USER":   &cfg.NAS.Username,
		"ZHB_NAS_PASS":   &cfg.NAS.Password,
	} {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
}

func (c *Config) Validate() error {
	if c.Passphrase == "" {
		return fmt.Errorf("passphrase is required")
	}
	if len(c.Passphrase) < MinPassphraseLength {
		return fmt.Errorf("passphrase must be at least %d characters", MinPassphraseLength)
	}
	if c.Pool == "" {
		return fmt.Errorf("pool is required")
	}
	switch c.Cipher {
	case "gpg", "age":
	default:
		return fmt.Errorf("cipher must be gpg or age, got %q", c.Cipher)
	}
	switch c.Compression {
	case "none", "gzip", "xz", "lz4":
	default:
		return fmt.Errorf("compression must be none, gzip, xz or lz4, got %q", c.Compression)
	}
	if c.NAS.Configured() {
		missing := []string{}
		if c.NAS.Host == "" {
			missing = append(missing, "NAS_HOST")
		}
		if c.NAS.Share == "" {
			missing = append(missing, "NAS_SHARE")
		}
		if c.NAS.Username == "" {
			missing = append(missing, "NAS_USER")
		}
		if c.NAS.Password == "" {
			missing = append(missing, "NAS_PASS")
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("incomplete NAS credentials, missing: %s", strings.Join(missing, ", "))
		}
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when S3_ENABLED is set")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("S3_REGION is required when S3_ENABLED is set")
		}
	}
	return nil
}

// Save writes the config and forces owner-only permissions. If the chmod
// fails the file is removed: a secrets file must never be left readable by
// other users.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("# zhb credentials - do not share\n")
	writeKey := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s=%s\n", key, value)
		}
	}
	writeKey("PASSPHRASE", cfg.Passphrase)
	writeKey("POOL", cfg.Pool)
	writeKey("CIPHER", cfg.Cipher)
	writeKey("COMPRESSION", cfg.Compression)
	if cfg.KeepSnapshot {
		writeKey("KEEP_SNAPSHOT", "yes")
	}
	writeKey("NAS_HOST", cfg.NAS.Host)
	writeKey("NAS_SHARE", cfg.NAS.Share)
	writeKey("NAS_PATH", cfg.NAS.Path)
	writeKey("NAS_USER", cfg.NAS.Username)
	writeKey("NAS_PASS", cfg.NAS.Password)
	if cfg.S3.Enabled {
		writeKey("S3_ENABLED", "yes")
		writeKey("S3_BUCKET", cfg.S3.Bucket)
		writeKey("S3_REGION", cfg.S3.Region)
		writeKey("S3_PREFIX", cfg.S3.Prefix)
		writeKey("S3_ENDPOINT", cfg.S3.Endpoint)
		if cfg.S3.MaxAttempts > 0 {
			writeKey("S3_MAX_RETRIES", strconv.Itoa(cfg.S3.MaxAttempts))
		}
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to restrict permissions on %s: %w", path, err)
	}
	return nil
}

// Scrub overwrites the in-memory secrets. Called from cleanup paths so a
// config held past its useful life carries no credentials.
func (c *Config) Scrub() {
	c.Passphrase = ""
	c.NAS.Password = ""
}
