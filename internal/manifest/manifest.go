package manifest

import (
	"context"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"zhb/internal/zfs"
)

// GetSystemInfo collects host identification for the manifest. Partial
// information is better than none; fields degrade to "unknown".
func GetSystemInfo(ctx context.Context) SystemInfo {
	var info SystemInfo

	info.Hostname = "unknown"
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	info.OS = "unknown"
	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if value, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
				info.OS = strings.Trim(value, `"`)
				break
			}
		}
	}

	info.ZFSVersion.Userland = "unknown"
	info.ZFSVersion.Kernel = "unknown"
	if userland, kernel, err := zfs.Version(ctx); err == nil {
		info.ZFSVersion.Userland = userland
		info.ZFSVersion.Kernel = kernel
	}

	return info
}

func Write(filename string, m *Set) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func Read(filename string) (*Set, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var m Set
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
