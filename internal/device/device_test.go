package device

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner returns canned output per command name.
type fakeRunner map[string]string

func (f fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("command failed: %s", name)
	}
	return []byte(out), nil
}

func fakeInspector(outputs fakeRunner) *Inspector {
	return &Inspector{Run: outputs.run}
}

func TestStripPartitionSuffix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/dev/sda2", "/dev/sda"},
		{"/dev/sdb", "/dev/sdb"},
		{"/dev/nvme0n1p2", "/dev/nvme0n1"},
		{"/dev/nvme0n1", "/dev/nvme0n1"},
		{"/dev/mmcblk0p1", "/dev/mmcblk0"},
		{"/dev/mmcblk0", "/dev/mmcblk0"},
		{"/dev/loop0", "/dev/loop0"},
		{"/dev/vda12", "/dev/vda"},
		{"/dev/xvda3", "/dev/xvda"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripPartitionSuffix(tt.in), "input %s", tt.in)
	}
}

func TestPartitionPath(t *testing.T) {
	tests := []struct {
		disk string
		n    int
		want string
	}{
		{"/dev/sda", 1, "/dev/sda1"},
		{"/dev/sda", 2, "/dev/sda2"},
		{"/dev/nvme0n1", 2, "/dev/nvme0n1p2"},
		{"/dev/mmcblk0", 1, "/dev/mmcblk0p1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PartitionPath(tt.disk, tt.n))
	}
}

func TestPartitionRoundTrip(t *testing.T) {
	for _, disk := range []string{"/dev/sda", "/dev/nvme0n1", "/dev/mmcblk0"} {
		part := PartitionPath(disk, 2)
		assert.Equal(t, disk, StripPartitionSuffix(part), "disk %s", disk)
	}
}

func TestListBlockDevices(t *testing.T) {
	ins := fakeInspector(fakeRunner{
		"lsblk": `{
			"blockdevices": [
				{
					"name": "nvme0n1", "path": "/dev/nvme0n1", "type": "disk",
					"size": 512110190592, "model": "Samsung SSD 980", "tran": "nvme",
					"rm": false, "fstype": null, "mountpoint": null,
					"children": [
						{"name": "nvme0n1p1", "path": "/dev/nvme0n1p1", "type": "part",
						 "size": 536870912, "fstype": "vfat", "mountpoint": "/boot/efi"},
						{"name": "nvme0n1p2", "path": "/dev/nvme0n1p2", "type": "part",
						 "size": 511560000000, "fstype": "zfs_member", "mountpoint": null}
					]
				},
				{
					"name": "sdb", "path": "/dev/sdb", "type": "disk",
					"size": 2000398934016, "model": "WD Elements", "tran": "usb", "rm": true
				}
			]
		}`,
	})

	devices, err := ins.ListBlockDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	nvme := devices[0]
	assert.Equal(t, "/dev/nvme0n1", nvme.Path)
	assert.Equal(t, "disk", nvme.Type)
	assert.Equal(t, "nvme", nvme.Transport)
	require.Len(t, nvme.Children, 2)
	assert.Equal(t, "vfat", nvme.Children[0].FSType)
	assert.Equal(t, "/boot/efi", nvme.Children[0].Mountpoint)

	usb := devices[1]
	assert.True(t, usb.Removable)
	assert.Equal(t, "1.8 TiB", usb.HumanSize())
}

func TestListBlockDevicesBadJSON(t *testing.T) {
	ins := fakeInspector(fakeRunner{"lsblk": "not json"})
	_, err := ins.ListBlockDevices(context.Background())
	assert.Error(t, err)
}

func TestMountSource(t *testing.T) {
	ins := fakeInspector(fakeRunner{
		"findmnt": `{"filesystems": [{"source": "/dev/nvme0n1p1", "target": "/boot/efi"}]}`,
	})
	source, err := ins.MountSource(context.Background(), "/boot/efi")
	require.NoError(t, err)
	assert.Equal(t, "/dev/nvme0n1p1", source)
}

func TestMountSourceNotMounted(t *testing.T) {
	// findmnt exits non-zero when the target is not a mountpoint; that is
	// an empty answer, not an error.
	ins := fakeInspector(fakeRunner{})
	source, err := ins.MountSource(context.Background(), "/boot/efi")
	require.NoError(t, err)
	assert.Empty(t, source)
}

func TestFSType(t *testing.T) {
	ins := fakeInspector(fakeRunner{"blkid": "vfat\n"})
	fstype, err := ins.FSType(context.Background(), "/dev/nvme0n1p1")
	require.NoError(t, err)
	assert.Equal(t, "vfat", fstype)
}

func TestPoolDevices(t *testing.T) {
	ins := fakeInspector(fakeRunner{
		"zpool": "rpool\t472G\t89.2G\t383G\t-\t-\t4%\t18%\t1.00x\tONLINE\t-\n" +
			"\t/dev/nvme0n1p2\t472G\t89.2G\t383G\t-\t-\t4%\t18.9%\t-\tONLINE\n",
	})
	devices, err := ins.PoolDevices(context.Background(), "rpool")
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/nvme0n1p2"}, devices)
}

func TestPoolDevicesFailure(t *testing.T) {
	ins := fakeInspector(fakeRunner{})
	_, err := ins.PoolDevices(context.Background(), "rpool")
	assert.Error(t, err)
}

func TestIsBlockDeviceOnRegularFile(t *testing.T) {
	assert.False(t, IsBlockDevice(t.TempDir()))
	assert.False(t, IsBlockDevice("/nonexistent/device"))
}

func TestResolveByIDPlainPath(t *testing.T) {
	resolved, err := ResolveByID("/dev/sda")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sda", resolved)
}
