package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"zhb/internal/codec"
	"zhb/internal/crypto"
	"zhb/internal/manifest"
)

// streamArtifact pipes src through the codec and cipher filters into
// outPath, hashing the encrypted bytes as they land. On any failure the
// partial output is removed.
func streamArtifact(ctx context.Context, src io.Reader, outPath string, c codec.Codec, ci crypto.Cipher, passphrase string) (manifest.Artifact, error) {
	started := time.Now()

	f, err := os.Create(outPath)
	if err != nil {
		return manifest.Artifact{}, fmt.Errorf("failed to create %s: %w", outPath, err)
	}

	success := false
	defer func() {
		f.Close()
		if !success {
			if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
				slog.Warn("Failed to remove partial artifact", "path", outPath, "error", err)
			}
		}
	}()

	hasher := crypto.NewHasher()
	sink := io.MultiWriter(f, hasher)

	encrypter, err := ci.Encrypt(ctx, sink, passphrase)
	if err != nil {
		return manifest.Artifact{}, err
	}
	compressor, err := c.Compress(ctx, encrypter)
	if err != nil {
		_ = encrypter.Close()
		return manifest.Artifact{}, err
	}

	done := watchProgress(ctx, outPath, started)

	_, copyErr := io.Copy(compressor, src)
	compErr := compressor.Close()
	encErr := encrypter.Close()
	close(done)

	for _, err := range []error{copyErr, compErr, encErr} {
		if err != nil {
			return manifest.Artifact{}, fmt.Errorf("stream to %s failed: %w", outPath, err)
		}
	}

	if err := f.Sync(); err != nil {
		return manifest.Artifact{}, fmt.Errorf("failed to sync %s: %w", outPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		return manifest.Artifact{}, err
	}
	if info.Size() == 0 {
		return manifest.Artifact{}, fmt.Errorf("artifact %s is empty", outPath)
	}

	success = true
	return manifest.Artifact{
		Name:        info.Name(),
		SizeBytes:   info.Size(),
		Blake3Hash:  crypto.HashSum(hasher),
		DurationSec: int64(time.Since(started).Seconds()),
	}, nil
}

// watchProgress reports the growing output size every few seconds while
// the pipe chain blocks. Close the returned channel to stop it.
func watchProgress(ctx context.Context, path string, started time.Time) chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if info, err := os.Stat(path); err == nil {
					slog.Info("Progress",
						"artifact", info.Name(),
						"written_mb", info.Size()>>20,
						"elapsed", time.Since(started).Round(time.Second).String())
				}
			}
		}
	}()
	return done
}

// tarStream starts a tar capture of the directory tree, preserving
// permissions, and returns its output.
func tarStream(ctx context.Context, dir string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "tar", "-C", dir, "-cpf", "-", ".")
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create tar pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to start tar: %w", err)
	}
	return &waitReadCloser{ReadCloser: stdout, wait: cmd.Wait}, nil
}

type waitReadCloser struct {
	io.ReadCloser
	wait func() error
}

func (r *waitReadCloser) Close() error {
	cerr := r.ReadCloser.Close()
	if err := r.wait(); err != nil {
		return err
	}
	return cerr
}
