package restore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zhb/internal/backupset"
	"zhb/internal/crypto"
	"zhb/internal/manifest"
)

func writtenSet(t *testing.T) backupset.Set {
	t.Helper()
	dir := t.TempDir()
	set := backupset.Set{
		Token:        "20240315-2230",
		Dir:          dir,
		BootArtifact: "boot-partition-20240315-2230.tar.gz.gpg",
		ZFSArtifact:  "zfs-rpool-20240315-2230.gz.gpg",
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, set.BootArtifact), []byte("boot data"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, set.ZFSArtifact), []byte("pool data"), 0o600))
	return set
}

func TestVerifyChecksumsNilManifest(t *testing.T) {
	plan := BuildPlan("/dev/sdb", "rpool", writtenSet(t))
	assert.NoError(t, VerifyChecksums(plan, nil))
}

func TestVerifyChecksumsMatch(t *testing.T) {
	set := writtenSet(t)
	plan := BuildPlan("/dev/sdb", "rpool", set)

	bootHash, err := crypto.BLAKE3File(set.BootPath())
	require.NoError(t, err)
	zfsHash, err := crypto.BLAKE3File(set.ZFSPath())
	require.NoError(t, err)

	m := &manifest.Set{
		Boot: manifest.Artifact{Blake3Hash: bootHash},
		ZFS:  manifest.Artifact{Blake3Hash: zfsHash},
	}
	assert.NoError(t, VerifyChecksums(plan, m))
}

func TestVerifyChecksumsMismatch(t *testing.T) {
	set := writtenSet(t)
	plan := BuildPlan("/dev/sdb", "rpool", set)

	m := &manifest.Set{
		Boot: manifest.Artifact{Blake3Hash: "not the hash"},
	}
	err := VerifyChecksums(plan, m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestVerifyChecksumsEmptyHashesTolerated(t *testing.T) {
	// A manifest from a version that did not record hashes.
	plan := BuildPlan("/dev/sdb", "rpool", writtenSet(t))
	assert.NoError(t, VerifyChecksums(plan, &manifest.Set{}))
}
