package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zhb/internal/config"
)

func TestDescriptorBackupDir(t *testing.T) {
	nas := Descriptor{Kind: NAS, MountPoint: "/mnt/zhb-nas", SubPath: "zhb"}
	assert.Equal(t, "/mnt/zhb-nas/zhb", nas.BackupDir())

	flat := Descriptor{Kind: Removable, MountPoint: "/mnt/zhb-usb"}
	assert.Equal(t, "/mnt/zhb-usb", flat.BackupDir())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "nas", NAS.String())
	assert.Equal(t, "removable", Removable.String())
}

func TestNASSource(t *testing.T) {
	nas := config.NAS{Host: "192.168.1.100", Share: "backups"}
	assert.Equal(t, "//192.168.1.100/backups", nas.Source())
}

func TestTestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "backups")
	require.NoError(t, TestWrite(dir))

	// The directory is created and the marker cleaned up.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTestWriteUnwritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	assert.Error(t, TestWrite(filepath.Join(dir, "backups")))
}

func TestFreeSpace(t *testing.T) {
	free, err := FreeSpace(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))

	_, err = FreeSpace("/nonexistent/path")
	assert.Error(t, err)
}

func TestUnmountNilAndUnmounted(t *testing.T) {
	var m *Mount
	assert.NoError(t, m.Unmount(context.Background()))

	assert.NoError(t, (&Mount{Point: "/mnt/never-mounted"}).Unmount(context.Background()))
}
