package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lsblkTwoDisks = `{
	"blockdevices": [
		{"name": "nvme0n1", "path": "/dev/nvme0n1", "type": "disk", "size": 512110190592, "tran": "nvme"},
		{"name": "sdb", "path": "/dev/sdb", "type": "disk", "size": 2000398934016, "tran": "usb", "rm": true},
		{"name": "loop0", "path": "/dev/loop0", "type": "loop", "size": 4096}
	]
}`

func TestEnumerateRemovableExcludesPoolAndBootDisk(t *testing.T) {
	ins := fakeInspector(fakeRunner{
		"lsblk":   lsblkTwoDisks,
		"zpool":   "rpool\t472G\t89G\t383G\t-\t-\t4%\t18%\t1.00x\tONLINE\t-\n\t/dev/nvme0n1p2\t472G\t89G\t383G\t-\t-\t-\t-\t-\tONLINE\n",
		"findmnt": `{"filesystems": [{"source": "/dev/nvme0n1p1", "target": "/boot/efi"}]}`,
	})

	candidates, err := EnumerateRemovable(context.Background(), ins, "rpool")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "/dev/sdb", candidates[0].Path)
}

func TestEnumerateRemovableExcludesWholeDiskVdev(t *testing.T) {
	// The pool sits directly on the whole disk; the digit at the end of
	// its name is not a partition suffix and must survive the exclusion
	// lookup.
	ins := fakeInspector(fakeRunner{
		"lsblk": lsblkTwoDisks,
		"zpool": "rpool\t472G\t89G\t383G\t-\t-\t4%\t18%\t1.00x\tONLINE\t-\n\t/dev/nvme0n1\t472G\t89G\t383G\t-\t-\t-\t-\t-\tONLINE\n",
	})

	candidates, err := EnumerateRemovable(context.Background(), ins, "rpool")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "/dev/sdb", candidates[0].Path)
}

func TestEnumerateRemovableSkipsNonDisks(t *testing.T) {
	ins := fakeInspector(fakeRunner{"lsblk": lsblkTwoDisks})

	candidates, err := EnumerateRemovable(context.Background(), ins, "rpool")
	require.NoError(t, err)
	for _, c := range candidates {
		assert.Equal(t, "disk", c.Type)
	}
}

func TestDetectSystemExhaustedWithoutManualPrompt(t *testing.T) {
	// No EFI mount, no pool devices, no prompt: detection must fail
	// instead of guessing.
	ins := fakeInspector(fakeRunner{})

	_, err := DetectSystem(context.Background(), ins, "rpool", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not detect")
}
