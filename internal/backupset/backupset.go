// Package backupset implements the on-disk naming convention shared by
// every version of this tool:
//
//	boot-partition-<YYYYMMDD-HHMM>.tar[.gz|.xz|.lz4].gpg|.age
//	zfs-<pool>-<YYYYMMDD-HHMM>[.gz|.xz|.lz4].gpg|.age
//	RESTORE-HYBRID-<YYYYMMDD-HHMM>.txt
//	manifest-<YYYYMMDD-HHMM>.yaml
//
// A set is restorable only when both artifacts exist for one timestamp
// token.
package backupset

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"zhb/internal/codec"
	"zhb/internal/crypto"
)

// TimeFormat is the timestamp token layout, minute granularity.
const TimeFormat = "20060102-1504"

const (
	bootPrefix         = "boot-partition-"
	zfsPrefix          = "zfs-"
	instructionsPrefix = "RESTORE-HYBRID-"
	manifestPrefix     = "manifest-"
)

var tokenRe = regexp.MustCompile(`(\d{8}-\d{4})`)

// Token formats t as a set token.
func Token(t time.Time) string {
	return t.Format(TimeFormat)
}

// ParseToken validates and parses a set token.
func ParseToken(token string) (time.Time, error) {
	return time.Parse(TimeFormat, token)
}

// Set is one backup: the boot artifact, the ZFS artifact, and the
// accompanying documents, grouped by timestamp token. Fields hold bare
// filenames; Dir is where they live.
type Set struct {
	Token        string
	Dir          string
	BootArtifact string
	ZFSArtifact  string
	Instructions string
	Manifest     string
}

// Complete reports whether the set can be restored.
func (s *Set) Complete() bool {
	return s.BootArtifact != "" && s.ZFSArtifact != ""
}

// Incomplete is the exact inverse used by discovery reporting: exactly
// one of the two artifacts exists.
func (s *Set) Incomplete() bool {
	return (s.BootArtifact != "") != (s.ZFSArtifact != "")
}

func (s *Set) BootPath() string { return filepath.Join(s.Dir, s.BootArtifact) }
func (s *Set) ZFSPath() string  { return filepath.Join(s.Dir, s.ZFSArtifact) }

// Time parses the set token.
func (s *Set) Time() (time.Time, error) {
	return ParseToken(s.Token)
}

// BootArtifactName builds the boot archive filename for a token.
func BootArtifactName(token string, c codec.Codec, ci crypto.Cipher) string {
	return bootPrefix + token + ".tar" + c.Ext() + ci.Ext()
}

// ZFSArtifactName builds the pool stream filename for a token.
func ZFSArtifactName(pool, token string, c codec.Codec, ci crypto.Cipher) string {
	return zfsPrefix + pool + "-" + token + c.Ext() + ci.Ext()
}

func InstructionsName(token string) string {
	return instructionsPrefix + token + ".txt"
}

func ManifestName(token string) string {
	return manifestPrefix + token + ".yaml"
}

// ExtractToken pulls the timestamp token out of any artifact or document
// filename.
func ExtractToken(name string) (string, bool) {
	m := tokenRe.FindString(name)
	if m == "" {
		return "", false
	}
	if _, err := ParseToken(m); err != nil {
		return "", false
	}
	return m, true
}

func isBootArtifact(name string) bool {
	_, enc := crypto.FromName(name)
	return strings.HasPrefix(name, bootPrefix) && enc
}

func isZFSArtifact(name string) bool {
	_, enc := crypto.FromName(name)
	return strings.HasPrefix(name, zfsPrefix) && enc
}

// Discover groups the files in dir into sets by timestamp token, newest
// first. Incomplete sets are included so callers can report them; use
// Complete to filter.
func Discover(dir string) ([]Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory %s: %w", dir, err)
	}

	byToken := make(map[string]*Set)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		token, ok := ExtractToken(name)
		if !ok {
			continue
		}
		set, ok := byToken[token]
		if !ok {
			set = &Set{Token: token, Dir: dir}
			byToken[token] = set
		}
		switch {
		case isBootArtifact(name):
			set.BootArtifact = name
		case isZFSArtifact(name):
			set.ZFSArtifact = name
		case strings.HasPrefix(name, instructionsPrefix):
			set.Instructions = name
		case strings.HasPrefix(name, manifestPrefix):
			set.Manifest = name
		}
	}

	sets := make([]Set, 0, len(byToken))
	for _, set := range byToken {
		if set.BootArtifact == "" && set.ZFSArtifact == "" {
			continue
		}
		sets = append(sets, *set)
	}
	sort.Slice(sets, func(i, j int) bool {
		return sets[i].Token > sets[j].Token
	})
	return sets, nil
}
