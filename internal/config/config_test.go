package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Passphrase:  "correct horse battery",
		Pool:        "rpool",
		Cipher:      "gpg",
		Compression: "gzip",
		NAS: NAS{
			Host:     "192.168.1.100",
			Share:    "backups",
			Path:     "zhb",
			Username: "backup",
			Password: "hunter2hunter2",
		},
	}
}

func TestLoadMissingFileNeedsSetup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zhb.conf")

	cfg, err := Load(path)
	require.ErrorIs(t, err, ErrNeedsSetup)
	assert.Equal(t, DefaultCipher, cfg.Cipher)
	assert.Equal(t, DefaultCompression, cfg.Compression)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zhb.conf")
	cfg := validConfig()
	cfg.KeepSnapshot = true
	cfg.S3 = S3{Enabled: true, Bucket: "bak", Region: "eu-central-1", Prefix: "zhb", MaxAttempts: 5}

	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Passphrase, loaded.Passphrase)
	assert.Equal(t, cfg.Pool, loaded.Pool)
	assert.True(t, loaded.KeepSnapshot)
	assert.Equal(t, cfg.NAS, loaded.NAS)
	assert.Equal(t, cfg.S3, loaded.S3)
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zhb.conf")
	cfg := validConfig()
	cfg.Passphrase = "short"

	require.Error(t, Save(path, cfg))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestParseIgnoresCommentsAndUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zhb.conf")
	content := "# comment\nPASSPHRASE=correct horse battery\nPOOL=tank\nFUTURE_KEY=whatever\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tank", cfg.Pool)
}

func TestParseRejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zhb.conf")
	require.NoError(t, os.WriteFile(path, []byte("not a key value line\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zhb.conf")
	require.NoError(t, os.WriteFile(path, []byte("PASSPHRASE=from the file here\nPOOL=tank\n"), 0o600))

	t.Setenv("ZHB_PASSPHRASE", "from the environment")
	t.Setenv("ZHB_POOL", "rpool")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from the environment", cfg.Passphrase)
	assert.Equal(t, "rpool", cfg.Pool)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no NAS is valid", func(c *Config) { c.NAS = NAS{} }, ""},
		{"short passphrase", func(c *Config) { c.Passphrase = "tooshort" }, "at least 12 characters"},
		{"missing pool", func(c *Config) { c.Pool = "" }, "pool is required"},
		{"bad cipher", func(c *Config) { c.Cipher = "rot13" }, "cipher must be gpg or age"},
		{"bad compression", func(c *Config) { c.Compression = "zstd" }, "compression must be"},
		{"partial NAS", func(c *Config) { c.NAS.Password = "" }, "missing: NAS_PASS"},
		{"s3 without bucket", func(c *Config) { c.S3 = S3{Enabled: true, Region: "us-east-1"} }, "S3_BUCKET"},
		{"s3 without region", func(c *Config) { c.S3 = S3{Enabled: true, Bucket: "bak"} }, "S3_REGION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestScrub(t *testing.T) {
	cfg := validConfig()
	cfg.Scrub()
	assert.Empty(t, cfg.Passphrase)
	assert.Empty(t, cfg.NAS.Password)
	assert.Equal(t, "rpool", cfg.Pool)
}

func TestRetryAttemptsDefault(t *testing.T) {
	assert.Equal(t, 3, S3{}.RetryAttempts())
	assert.Equal(t, 7, S3{MaxAttempts: 7}.RetryAttempts())
}
