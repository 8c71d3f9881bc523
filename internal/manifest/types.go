package manifest

type SystemInfo struct {
	Hostname   string `yaml:"hostname"`
	OS         string `yaml:"os"`
	ZFSVersion struct {
		Userland string `yaml:"userland"`
		Kernel   string `yaml:"kernel"`
	} `yaml:"zfs_version"`
}

// Artifact describes one encrypted output file of a set.
type Artifact struct {
	Name        string `yaml:"name"`
	SizeBytes   int64  `yaml:"size_bytes"`
	Blake3Hash  string `yaml:"blake3_hash"`
	DurationSec int64  `yaml:"duration_sec"`
}

// Set is the machine-readable sidecar of a backup set. Restore and
// verify use it when present but must work without it: sets written by
// older versions have only the artifacts and the instructions text.
type Set struct {
	Token       string     `yaml:"token"`
	Datetime    int64      `yaml:"datetime"`
	System      SystemInfo `yaml:"system"`
	Pool        string     `yaml:"pool"`
	Snapshot    string     `yaml:"snapshot"`
	Cipher      string     `yaml:"cipher"`
	Compression string     `yaml:"compression"`
	Boot        Artifact   `yaml:"boot"`
	ZFS         Artifact   `yaml:"zfs"`
}
