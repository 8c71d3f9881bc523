package zfs

import "encoding/json"

func parseVersionJSON(out []byte) (userland, kernel string, err error) {
	var result struct {
		ZFSVersion struct {
			Userland string `json:"userland"`
			Kernel   string `json:"kernel"`
		} `json:"zfs_version"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return "", "", err
	}
	return result.ZFSVersion.Userland, result.ZFSVersion.Kernel, nil
}
