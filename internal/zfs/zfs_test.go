package zfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotName(t *testing.T) {
	at := time.Date(2024, 3, 15, 22, 30, 45, 0, time.UTC)
	assert.Equal(t, "rpool@backup-20240315-2230", SnapshotName("rpool", at))
	assert.Equal(t, "tank@backup-20240315-2230", SnapshotName("tank", at))
}

func TestFindRootDataset(t *testing.T) {
	tests := []struct {
		name     string
		datasets []string
		want     string
		found    bool
	}{
		{
			name:     "zfsbootmenu layout",
			datasets: []string{"rpool", "rpool/ROOT", "rpool/ROOT/debian", "rpool/home"},
			want:     "rpool/ROOT/debian",
			found:    true,
		},
		{
			name:     "ubuntu zsys layout",
			datasets: []string{"rpool", "rpool/ROOT", "rpool/ROOT/ubuntu_abc123", "rpool/ROOT/ubuntu_abc123/var", "rpool/USERDATA"},
			want:     "rpool/ROOT/ubuntu_abc123",
			found:    true,
		},
		{
			name:     "lowercase root container",
			datasets: []string{"tank", "tank/root", "tank/root/nixos"},
			want:     "tank/root/nixos",
			found:    true,
		},
		{
			name:     "no root container",
			datasets: []string{"tank", "tank/data", "tank/media"},
			want:     "",
			found:    false,
		},
		{
			name:     "empty",
			datasets: nil,
			want:     "",
			found:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindRootDataset(tt.datasets)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseVersionJSON(t *testing.T) {
	out := `{"zfs_version": {"userland": "zfs-2.2.2-1", "kernel": "zfs-kmod-2.2.2-1"}}`
	userland, kernel, err := parseVersionJSON([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, "zfs-2.2.2-1", userland)
	assert.Equal(t, "zfs-kmod-2.2.2-1", kernel)

	_, _, err = parseVersionJSON([]byte("zfs-2.2.2"))
	assert.Error(t, err)
}
