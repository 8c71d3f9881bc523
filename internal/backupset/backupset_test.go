package backupset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zhb/internal/codec"
	"zhb/internal/crypto"
)

func TestTokenRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 15, 22, 30, 0, 0, time.UTC)
	token := Token(at)
	assert.Equal(t, "20240315-2230", token)

	parsed, err := ParseToken(token)
	require.NoError(t, err)
	assert.True(t, at.Equal(parsed))
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "2024", "20241301-0101", "yesterday"} {
		_, err := ParseToken(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestArtifactNames(t *testing.T) {
	token := "20240315-2230"

	assert.Equal(t, "boot-partition-20240315-2230.tar.gz.gpg",
		BootArtifactName(token, codec.Gzip, crypto.GPG))
	assert.Equal(t, "boot-partition-20240315-2230.tar.age",
		BootArtifactName(token, codec.None, crypto.Age))
	assert.Equal(t, "zfs-rpool-20240315-2230.xz.gpg",
		ZFSArtifactName("rpool", token, codec.XZ, crypto.GPG))
	assert.Equal(t, "zfs-tank-20240315-2230.gpg",
		ZFSArtifactName("tank", token, codec.None, crypto.GPG))
	assert.Equal(t, "RESTORE-HYBRID-20240315-2230.txt", InstructionsName(token))
	assert.Equal(t, "manifest-20240315-2230.yaml", ManifestName(token))
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name  string
		want  string
		found bool
	}{
		{"boot-partition-20240315-2230.tar.gz.gpg", "20240315-2230", true},
		{"zfs-rpool-20240315-2230.gpg", "20240315-2230", true},
		{"RESTORE-HYBRID-20240315-2230.txt", "20240315-2230", true},
		{"randomfile.txt", "", false},
		{"boot-partition-20241301-0101.tar.gpg", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractToken(tt.name)
		assert.Equal(t, tt.found, ok, "name %s", tt.name)
		assert.Equal(t, tt.want, got, "name %s", tt.name)
	}
}

func TestCompleteAndIncomplete(t *testing.T) {
	both := Set{BootArtifact: "b", ZFSArtifact: "z"}
	assert.True(t, both.Complete())
	assert.False(t, both.Incomplete())

	bootOnly := Set{BootArtifact: "b"}
	assert.False(t, bootOnly.Complete())
	assert.True(t, bootOnly.Incomplete())

	zfsOnly := Set{ZFSArtifact: "z"}
	assert.False(t, zfsOnly.Complete())
	assert.True(t, zfsOnly.Incomplete())
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()

	// Complete newer set.
	touch(t, dir, "boot-partition-20240315-2230.tar.gz.gpg")
	touch(t, dir, "zfs-rpool-20240315-2230.gz.gpg")
	touch(t, dir, "RESTORE-HYBRID-20240315-2230.txt")
	touch(t, dir, "manifest-20240315-2230.yaml")

	// Incomplete older set: boot artifact missing.
	touch(t, dir, "zfs-rpool-20230101-0900.gz.gpg")

	// Noise that must not become a set.
	touch(t, dir, "notes.txt")
	touch(t, dir, "boot-partition-20240315-2230.tar.gz") // unencrypted leftover
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	sets, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, sets, 2)

	newest := sets[0]
	assert.Equal(t, "20240315-2230", newest.Token)
	assert.True(t, newest.Complete())
	assert.Equal(t, "boot-partition-20240315-2230.tar.gz.gpg", newest.BootArtifact)
	assert.Equal(t, "zfs-rpool-20240315-2230.gz.gpg", newest.ZFSArtifact)
	assert.Equal(t, "RESTORE-HYBRID-20240315-2230.txt", newest.Instructions)
	assert.Equal(t, "manifest-20240315-2230.yaml", newest.Manifest)
	assert.Equal(t, filepath.Join(dir, newest.BootArtifact), newest.BootPath())

	older := sets[1]
	assert.Equal(t, "20230101-0900", older.Token)
	assert.True(t, older.Incomplete())
}

func TestDiscoverMixedCiphers(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "boot-partition-20240315-2230.tar.age")
	touch(t, dir, "zfs-rpool-20240315-2230.age")

	sets, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.True(t, sets[0].Complete())
}

func TestDiscoverMissingDir(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
