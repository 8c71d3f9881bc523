// Package codec defines the closed set of compression variants an
// artifact may be filtered through. Each variant binds an encode and a
// decode side so backup, restore and verify share one dispatch point.
package codec

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

type Codec int

const (
	None Codec = iota
	Gzip
	XZ
	LZ4
)

// All lists the supported codecs in fallback-probe order.
func All() []Codec {
	return []Codec{Gzip, XZ, LZ4, None}
}

func Parse(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "xz":
		return XZ, nil
	case "lz4":
		return LZ4, nil
	}
	return None, fmt.Errorf("unsupported compression: %q", s)
}

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case XZ:
		return "xz"
	case LZ4:
		return "lz4"
	}
	return "unknown"
}

// Ext returns the filename extension including the leading dot, empty for
// None.
func (c Codec) Ext() string {
	switch c {
	case Gzip:
		return ".gz"
	case XZ:
		return ".xz"
	case LZ4:
		return ".lz4"
	}
	return ""
}

// FromName derives the codec from an artifact filename, looking at the
// extension preceding the cipher suffix.
func FromName(name string) Codec {
	trimmed := strings.TrimSuffix(name, ".gpg")
	trimmed = strings.TrimSuffix(trimmed, ".age")
	switch {
	case strings.HasSuffix(trimmed, ".gz"):
		return Gzip
	case strings.HasSuffix(trimmed, ".xz"):
		return XZ
	case strings.HasSuffix(trimmed, ".lz4"):
		return LZ4
	}
	return None
}

// Compress wraps w so that writes are compressed. Close flushes the
// filter; the underlying writer is left open.
func (c Codec) Compress(ctx context.Context, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case XZ:
		return commandWriter(ctx, w, "xz", "-c", "-T0")
	case LZ4:
		return commandWriter(ctx, w, "lz4", "-c")
	}
	return nil, fmt.Errorf("unsupported codec %d", c)
}

// Decompress wraps r so that reads are decompressed. Close releases the
// filter and, for exec-backed codecs, reaps the child process.
func (c Codec) Decompress(ctx context.Context, r io.Reader) (io.ReadCloser, error) {
	switch c {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case XZ:
		return commandReader(ctx, r, "xz", "-d", "-c")
	case LZ4:
		return commandReader(ctx, r, "lz4", "-d", "-c")
	}
	return nil, fmt.Errorf("unsupported codec %d", c)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type waitReadCloser struct {
	io.ReadCloser
	wait func() error
}

func (w *waitReadCloser) Close() error {
	cerr := w.ReadCloser.Close()
	if err := w.wait(); err != nil {
		return err
	}
	return cerr
}

// commandReader starts name reading from stdin and exposes its stdout.
func commandReader(ctx context.Context, stdin io.Reader, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create %s pipe: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
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

// commandWriter starts name writing to stdout and exposes its stdin.
func commandWriter(ctx context.Context, stdout io.Writer, name string, args ...string) (io.WriteCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create %s pipe: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &waitWriteCloser{WriteCloser: stdin, wait: cmd.Wait}, nil
}
