package manifest

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// decodeCommand returns the shell filter matching the set's compression,
// spelled out so the recipe works on any rescue system.
func decodeCommand(compression string) string {
	switch compression {
	case "gzip":
		return "gunzip -c"
	case "xz":
		return "xz -d -c"
	case "lz4":
		return "lz4 -d -c"
	}
	return "cat"
}

func decryptCommand(cipher string) string {
	if cipher == "age" {
		return "age -d -p"
	}
	return "gpg --decrypt"
}

// WriteInstructions produces the RESTORE-HYBRID document: a literal
// recipe that makes every set restorable with nothing but standard
// tools, even if this program is gone.
func WriteInstructions(filename string, m *Set) error {
	var b strings.Builder

	decode := decodeCommand(m.Compression)
	decrypt := decryptCommand(m.Cipher)

	fmt.Fprintf(&b, "ZFS HYBRID BACKUP - RESTORE INSTRUCTIONS\n")
	fmt.Fprintf(&b, "========================================\n\n")
	fmt.Fprintf(&b, "Created:     %s\n", time.Unix(m.Datetime, 0).Format(time.RFC1123))
	fmt.Fprintf(&b, "Host:        %s (%s)\n", m.System.Hostname, m.System.OS)
	fmt.Fprintf(&b, "Pool:        %s\n", m.Pool)
	fmt.Fprintf(&b, "Snapshot:    %s\n", m.Snapshot)
	fmt.Fprintf(&b, "Cipher:      %s\n", m.Cipher)
	fmt.Fprintf(&b, "Compression: %s\n\n", m.Compression)

	fmt.Fprintf(&b, "Artifacts:\n")
	fmt.Fprintf(&b, "  %s (%d bytes, blake3 %s, took %ds)\n",
		m.Boot.Name, m.Boot.SizeBytes, m.Boot.Blake3Hash, m.Boot.DurationSec)
	fmt.Fprintf(&b, "  %s (%d bytes, blake3 %s, took %ds)\n\n",
		m.ZFS.Name, m.ZFS.SizeBytes, m.ZFS.Blake3Hash, m.ZFS.DurationSec)

	fmt.Fprintf(&b, "Manual restore onto a blank disk (replace /dev/sdX):\n\n")
	fmt.Fprintf(&b, "  1. Partition the target disk:\n")
	fmt.Fprintf(&b, "       sgdisk --zap-all /dev/sdX\n")
	fmt.Fprintf(&b, "       sgdisk -n1:0:+512M -t1:EF00 /dev/sdX\n")
	fmt.Fprintf(&b, "       sgdisk -n2:0:0 -t2:BF00 /dev/sdX\n")
	fmt.Fprintf(&b, "       mkfs.fat -F32 /dev/sdX1\n\n")
	fmt.Fprintf(&b, "  2. Create the pool and receive the data:\n")
	fmt.Fprintf(&b, "       zpool create -f -o ashift=12 -O mountpoint=none -R /mnt/restore %s /dev/sdX2\n", m.Pool)
	fmt.Fprintf(&b, "       %s %s | %s | zfs receive -F %s\n\n", decrypt, m.ZFS.Name, decode, m.Pool)
	fmt.Fprintf(&b, "  3. Restore the boot files:\n")
	fmt.Fprintf(&b, "       mount /dev/sdX1 /mnt/efi\n")
	fmt.Fprintf(&b, "       %s %s | %s | tar -xpf - -C /mnt/efi\n", decrypt, m.Boot.Name, decode)
	fmt.Fprintf(&b, "       umount /mnt/efi\n\n")
	fmt.Fprintf(&b, "  4. Point the bootloader at the root dataset:\n")
	fmt.Fprintf(&b, "       zpool set bootfs=%s/ROOT/<dataset> %s\n\n", m.Pool, m.Pool)
	fmt.Fprintf(&b, "  5. Export and reboot:\n")
	fmt.Fprintf(&b, "       zpool export %s\n", m.Pool)

	return os.WriteFile(filename, []byte(b.String()), 0o644)
}
