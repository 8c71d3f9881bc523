package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSet() *Set {
	m := &Set{
		Token:       "20240315-2230",
		Datetime:    1710541800,
		Pool:        "rpool",
		Snapshot:    "rpool@backup-20240315-2230",
		Cipher:      "gpg",
		Compression: "gzip",
		Boot: Artifact{
			Name:        "boot-partition-20240315-2230.tar.gz.gpg",
			SizeBytes:   125829120,
			Blake3Hash:  "abc123",
			DurationSec: 4,
		},
		ZFS: Artifact{
			Name:        "zfs-rpool-20240315-2230.gz.gpg",
			SizeBytes:   42949672960,
			Blake3Hash:  "def456",
			DurationSec: 1800,
		},
	}
	m.System.Hostname = "workstation"
	m.System.OS = "Debian GNU/Linux 12 (bookworm)"
	m.System.ZFSVersion.Userland = "zfs-2.2.2"
	m.System.ZFSVersion.Kernel = "zfs-kmod-2.2.2"
	return m
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest-20240315-2230.yaml")
	m := sampleSet()

	require.NoError(t, Write(path, m))

	loaded, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("\t not yaml {{{"), 0o644))
	_, err := Read(path)
	assert.Error(t, err)
}

func TestWriteInstructions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "RESTORE-HYBRID-20240315-2230.txt")
	m := sampleSet()

	require.NoError(t, WriteInstructions(path, m))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	// Identification.
	assert.Contains(t, text, "workstation")
	assert.Contains(t, text, "rpool@backup-20240315-2230")

	// Both artifacts with their hashes.
	assert.Contains(t, text, m.Boot.Name)
	assert.Contains(t, text, m.ZFS.Name)
	assert.Contains(t, text, "abc123")
	assert.Contains(t, text, "def456")

	// The literal recipe.
	assert.Contains(t, text, "sgdisk --zap-all")
	assert.Contains(t, text, "-t1:EF00")
	assert.Contains(t, text, "-t2:BF00")
	assert.Contains(t, text, "mkfs.fat -F32")
	assert.Contains(t, text, "zpool create -f -o ashift=12")
	assert.Contains(t, text, "zfs receive -F rpool")
	assert.Contains(t, text, "tar -xpf - -C /mnt/efi")
	assert.Contains(t, text, "zpool set bootfs=")

	// Filters matching the set's cipher and compression.
	assert.Contains(t, text, "gpg --decrypt")
	assert.Contains(t, text, "gunzip -c")
}

func TestWriteInstructionsAgeNone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "RESTORE-HYBRID.txt")
	m := sampleSet()
	m.Cipher = "age"
	m.Compression = "none"

	require.NoError(t, WriteInstructions(path, m))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "age -d -p")
	assert.Contains(t, string(data), "cat")
	assert.NotContains(t, string(data), "gunzip")
}

func TestDecodeCommand(t *testing.T) {
	assert.Equal(t, "gunzip -c", decodeCommand("gzip"))
	assert.Equal(t, "xz -d -c", decodeCommand("xz"))
	assert.Equal(t, "lz4 -d -c", decodeCommand("lz4"))
	assert.Equal(t, "cat", decodeCommand("none"))
}
