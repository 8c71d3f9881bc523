// Package crypto implements the symmetric encryption filter applied to
// every artifact, plus BLAKE3 checksumming.
//
// Two cipher variants exist: gpg (the default, exec-based, producing .gpg
// files readable by plain GnuPG so existing backups and manual restores
// keep working) and age (in-process scrypt passphrase encryption producing
// .age files). Restore and verify dispatch on the artifact extension.
package crypto

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

type Cipher int

const (
	GPG Cipher = iota
	Age
)

func ParseCipher(s string) (Cipher, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gpg":
		return GPG, nil
	case "age":
		return Age, nil
	}
	return GPG, fmt.Errorf("unsupported cipher: %q", s)
}

func (c Cipher) String() string {
	if c == Age {
		return "age"
	}
	return "gpg"
}

// Ext returns the artifact extension including the leading dot.
func (c Cipher) Ext() string {
	if c == Age {
		return ".age"
	}
	return ".gpg"
}

// FromName derives the cipher from an artifact filename.
func FromName(name string) (Cipher, bool) {
	switch {
	case strings.HasSuffix(name, ".gpg"):
		return GPG, true
	case strings.HasSuffix(name, ".age"):
		return Age, true
	}
	return GPG, false
}

// Encrypt wraps dst so that writes are encrypted with the passphrase.
// Close finishes the stream; dst is left open.
func (c Cipher) Encrypt(ctx context.Context, dst io.Writer, passphrase string) (io.WriteCloser, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase")
	}
	switch c {
	case Age:
		recipient, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to derive age recipient: %w", err)
		}
		return age.Encrypt(dst, recipient)
	default:
		return gpgWriter(ctx, dst, passphrase,
			"--batch", "--yes", "--symmetric",
			"--cipher-algo", "AES256",
			"--compress-algo", "none",
			"--pinentry-mode", "loopback",
			"--passphrase-fd", "3",
			"-o", "-")
	}
}

// Decrypt wraps src so that reads are decrypted. A wrong passphrase
// surfaces as an error on open (age) or on first read (gpg).
func (c Cipher) Decrypt(ctx context.Context, src io.Reader, passphrase string) (io.ReadCloser, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase")
	}
	switch c {
	case Age:
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to derive age identity: %w", err)
		}
		r, err := age.Decrypt(src, identity)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(r), nil
	default:
		return gpgReader(ctx, src, passphrase,
			"--batch", "--quiet", "--decrypt",
			"--pinentry-mode", "loopback",
			"--passphrase-fd", "3")
	}
}

// ProbeDecrypt decrypts the first kilobyte of an artifact. It is the
// cheap passphrase check run before anything destructive.
func ProbeDecrypt(ctx context.Context, path, passphrase string) error {
	cipher, ok := FromName(path)
	if !ok {
		return fmt.Errorf("%s: unrecognized artifact extension", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r, err := cipher.Decrypt(pctx, f, passphrase)
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}
	// Stop the filter as soon as the probe window is read; a gpg child
	// killed mid-stream is expected here, not a failure.
	defer func() {
		cancel()
		_ = r.Close()
	}()

	buf := make([]byte, 1024)
	n, err := io.ReadFull(r, buf)
	if n > 0 {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}
	return fmt.Errorf("decryption produced no data")
}

func passphrasePipe(passphrase string) (*os.File, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	go func() {
		_, _ = io.WriteString(pw, passphrase+"\n")
		pw.Close()
	}()
	return pr, nil
}

func gpgWriter(ctx context.Context, dst io.Writer, passphrase string, args ...string) (io.WriteCloser, error) {
	pr, err := passphrasePipe(passphrase)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "gpg", args...)
	cmd.Stdout = dst
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{pr}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("create gpg pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		pr.Close()
		stdin.Close()
		return nil, fmt.Errorf("start gpg: %w", err)
	}
	pr.Close()
	return &waitWriteCloser{WriteCloser: stdin, wait: cmd.Wait}, nil
}

func gpgReader(ctx context.Context, src io.Reader, passphrase string, args ...string) (io.ReadCloser, error) {
	pr, err := passphrasePipe(passphrase)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "gpg", args...)
	cmd.Stdin = src
	cmd.ExtraFiles = []*os.File{pr}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("create gpg pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		pr.Close()
		stdout.Close()
		return nil, fmt.Errorf("start gpg: %w", err)
	}
	pr.Close()
	return &waitReadCloser{ReadCloser: stdout, wait: cmd.Wait}, nil
}

type waitWriteCloser struct {
	io.WriteCloser
	wait func() error
}

func (w *waitWriteCloser) Close() error {
	if err := w.WriteCloser.Close(); err != nil {
		_ = w.wait()
		return err
	}
	return w.wait()
}

type waitReadCloser struct {
	io.ReadCloser
	wait func() error
}

func (r *waitReadCloser) Close() error {
	cerr := r.ReadCloser.Close()
	if err := r.wait(); err != nil {
		if strings.Contains(err.Error(), "signal:") {
			return cerr
		}
		return err
	}
	return cerr
}

// BLAKE3File computes the BLAKE3 hash of a file.
func BLAKE3File(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// NewHasher returns a BLAKE3 hasher for tee-style streaming use.
func NewHasher() *blake3.Hasher {
	return blake3.New()
}

// HashSum formats a finished hasher the way BLAKE3File does.
func HashSum(h *blake3.Hasher) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}
