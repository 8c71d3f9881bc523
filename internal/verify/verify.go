// Package verify runs the layered integrity checks against a produced
// artifact: container signature, decryptability, decompressability,
// stream header, optional zfs dry run. Checks accumulate into a score
// instead of aborting, except the decrypt probe which gates everything
// after it.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"zhb/internal/codec"
	"zhb/internal/crypto"
	"zhb/internal/zfs"
)

type Tier int

const (
	Fail Tier = iota
	Partial
	Full
)

func (t Tier) String() string {
	switch t {
	case Full:
		return "pass"
	case Partial:
		return "partial"
	}
	return "fail"
}

type Result struct {
	Name   string
	Passed bool
	Detail string
}

type Report struct {
	Artifact string
	Results  []Result

	// fatal marks a failed gating check; the verdict is Fail no matter
	// how many earlier checks passed.
	fatal bool
}

func (r *Report) add(name string, passed bool, detail string) {
	r.Results = append(r.Results, Result{Name: name, Passed: passed, Detail: detail})
}

func (r *Report) Passed() int {
	n := 0
	for _, res := range r.Results {
		if res.Passed {
			n++
		}
	}
	return n
}

func (r *Report) Total() int { return len(r.Results) }

// Tier maps the score to the three operator-facing verdicts: every
// check green, a usable majority, or broken.
func (r *Report) Tier() Tier {
	total := r.Total()
	if total == 0 || r.fatal {
		return Fail
	}
	passed := r.Passed()
	switch {
	case passed == total:
		return Full
	case passed*100 >= total*60:
		return Partial
	}
	return Fail
}

// Options tunes a verification run.
type Options struct {
	// DeclaredCodec is tried first for the decompression test; the
	// remaining codecs are fallbacks.
	DeclaredCodec codec.Codec

	// ExpectedBlake3, when known from a manifest, adds a checksum
	// recheck.
	ExpectedBlake3 string

	// DryRunReceive enables the zfs receive -n check for pool
	// artifacts. Needs a zfs binary and a target name.
	DryRunReceive bool
	DryRunTarget  string
}

var (
	// DMU_BACKUP_MAGIC (0x2F5BACBAC) in both byte orders; a send stream
	// carries it in its begin record.
	zfsMagicLE = []byte{0xAC, 0xCB, 0xBA, 0xF5, 0x02, 0x00, 0x00, 0x00}
	zfsMagicBE = []byte{0x00, 0x00, 0x00, 0x02, 0xF5, 0xBA, 0xCB, 0xAC}
)

// Artifact verifies one artifact and reports the outcome of each check.
// A failed decrypt probe ends the run early: nothing beyond it can be
// meaningful without the passphrase.
func Artifact(ctx context.Context, path, passphrase string, opts Options) *Report {
	report := &Report{Artifact: path}

	info, err := os.Stat(path)
	switch {
	case err != nil:
		report.add("file exists", false, err.Error())
		return report
	case info.Size() == 0:
		report.add("file exists", true, "")
		report.add("non-zero size", false, "file is empty")
		return report
	default:
		report.add("file exists", true, "")
		report.add("non-zero size", true, fmt.Sprintf("%d bytes", info.Size()))
	}

	report.add(checkContainerSignature(path))

	if err := crypto.ProbeDecrypt(ctx, path, passphrase); err != nil {
		report.add("decrypt probe", false, err.Error())
		// Hard gate: wrong passphrase or corrupt container.
		report.fatal = true
		return report
	}
	report.add("decrypt probe", true, "")

	if opts.ExpectedBlake3 != "" {
		got, err := crypto.BLAKE3File(path)
		switch {
		case err != nil:
			report.add("blake3 checksum", false, err.Error())
		case got != opts.ExpectedBlake3:
			report.add("blake3 checksum", false, fmt.Sprintf("expected %s, got %s", opts.ExpectedBlake3, got))
		default:
			report.add("blake3 checksum", true, "")
		}
	}

	head, usedCodec, err := decompressHead(ctx, path, passphrase, opts.DeclaredCodec)
	if err != nil {
		report.add("decompress", false, err.Error())
		report.add("stream header", false, "no decompressed data")
		return report
	}
	report.add("decompress", true, usedCodec.String())

	report.add(checkStreamHeader(path, head))

	if opts.DryRunReceive && opts.DryRunTarget != "" {
		report.add(checkDryRunReceive(ctx, path, passphrase, usedCodec, opts.DryRunTarget))
	}

	return report
}

func checkContainerSignature(path string) (string, bool, string) {
	f, err := os.Open(path)
	if err != nil {
		return "container signature", false, err.Error()
	}
	defer f.Close()

	head := make([]byte, 32)
	n, _ := io.ReadFull(f, head)
	head = head[:n]

	cipher, _ := crypto.FromName(path)
	switch cipher {
	case crypto.Age:
		if bytes.HasPrefix(head, []byte("age-encryption.org/v1")) {
			return "container signature", true, "age header"
		}
		return "container signature", false, "missing age header"
	default:
		// OpenPGP packets always set the high bit of the first octet.
		if len(head) > 0 && head[0]&0x80 != 0 {
			return "container signature", true, "openpgp packet"
		}
		return "container signature", false, "not an openpgp packet"
	}
}

// decompressHead decrypts the artifact and test-decompresses its head,
// trying the declared codec first and falling back through the
// supported set.
func decompressHead(ctx context.Context, path, passphrase string, declared codec.Codec) ([]byte, codec.Codec, error) {
	// None accepts any byte stream, so real codecs are always probed
	// first; otherwise a declared-none artifact could mask its actual
	// compression.
	var candidates []codec.Codec
	if declared != codec.None {
		candidates = append(candidates, declared)
	}
	for _, c := range codec.All() {
		if c != declared && c != codec.None {
			candidates = append(candidates, c)
		}
	}
	candidates = append(candidates, codec.None)

	var lastErr error
	for _, c := range candidates {
		head, err := readDecodedHead(ctx, path, passphrase, c)
		if err == nil && len(head) > 0 {
			return head, c, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no codec produced data")
	}
	return nil, declared, lastErr
}

func readDecodedHead(ctx context.Context, path, passphrase string, c codec.Codec) ([]byte, error) {
	cipher, ok := crypto.FromName(path)
	if !ok {
		return nil, fmt.Errorf("unrecognized artifact extension")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	decrypter, err := cipher.Decrypt(rctx, f, passphrase)
	if err != nil {
		return nil, err
	}
	defer func() {
		cancel()
		_ = decrypter.Close()
	}()

	decoder, err := c.Decompress(rctx, decrypter)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	head := make([]byte, 2048)
	n, err := io.ReadFull(decoder, head)
	if n > 0 {
		return head[:n], nil
	}
	return nil, err
}

func checkStreamHeader(path string, head []byte) (string, bool, string) {
	if strings.Contains(path, "boot-partition-") {
		// tar magic sits at offset 257 of the first header block.
		if len(head) >= 262 && string(head[257:262]) == "ustar" {
			return "stream header", true, "tar archive"
		}
		return "stream header", false, "tar magic not found"
	}
	if bytes.Contains(head, zfsMagicLE) || bytes.Contains(head, zfsMagicBE) {
		return "stream header", true, "zfs send stream"
	}
	return "stream header", false, "zfs stream magic not found"
}

// checkDryRunReceive feeds the decoded stream into zfs receive -n. The
// dry run is known to be unreliable for some valid streams, so
// ambiguous output counts as a soft pass; only an unambiguous rejection
// fails.
func checkDryRunReceive(ctx context.Context, path, passphrase string, c codec.Codec, pool string) (string, bool, string) {
	if _, err := exec.LookPath("zfs"); err != nil {
		return "zfs receive dry run", true, "zfs not available, skipped"
	}

	cipher, _ := crypto.FromName(path)
	f, err := os.Open(path)
	if err != nil {
		return "zfs receive dry run", false, err.Error()
	}
	defer f.Close()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	decrypter, err := cipher.Decrypt(rctx, f, passphrase)
	if err != nil {
		return "zfs receive dry run", false, err.Error()
	}
	defer func() {
		cancel()
		_ = decrypter.Close()
	}()
	decoder, err := c.Decompress(rctx, decrypter)
	if err != nil {
		return "zfs receive dry run", false, err.Error()
	}
	defer decoder.Close()

	out, err := zfs.ReceiveDryRun(rctx, pool, decoder)
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "would receive"):
		return "zfs receive dry run", true, "stream accepted"
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "cannot receive"):
		return "zfs receive dry run", false, strings.TrimSpace(out)
	case err != nil:
		return "zfs receive dry run", true, "inconclusive, soft pass"
	}
	return "zfs receive dry run", true, ""
}
