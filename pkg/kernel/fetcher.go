// Package kernel keeps a single cached guest kernel on the host, downloading
// it once from an S3 or HTTP source.
package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/btcdash/microvm/pkg/errors"
)

// DefaultTimeout bounds a single kernel transfer.
const DefaultTimeout = 5 * time.Minute

// Image is the cached kernel file.
type Image struct {
	Path   string
	Size   int64
	SHA256 string
	Cached bool
}

// Fetcher ensures the kernel is present locally.
type Fetcher struct {
	downloader Downloader
	timeout    time.Duration
}

// NewFetcher creates a fetcher. A non-positive timeout uses DefaultTimeout.
func NewFetcher(d Downloader, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{downloader: d, timeout: timeout}
}

// Ensure returns the kernel at destPath, downloading it from sourceURL only
// if destPath is missing or empty. The download goes to a temp file in the
// same directory and is renamed into place, so destPath never holds a
// partial kernel.
func (f *Fetcher) Ensure(ctx context.Context, destPath, sourceURL string) (*Image, error) {
	if info, err := os.Stat(destPath); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		sum, err := hashFile(destPath)
		if err != nil {
			return nil, &errors.FetchError{Reason: "write", Err: err}
		}
		slog.Info("kernel_cache_hit", "path", destPath, "size_mb", info.Size()/1024/1024)
		return &Image{Path: destPath, Size: info.Size(), SHA256: sum, Cached: true}, nil
	}

	slog.Info("kernel_fetch_started", "source", sourceURL, "dest", destPath, "timeout", f.timeout)

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, f.fail("write", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(destPath)+".tmp-*")
	if err != nil {
		return nil, f.fail("write", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	hash := sha256.New()
	out := &recordingWriter{w: io.MultiWriter(tmp, hash)}

	n, err := f.downloader.Download(ctx, sourceURL, out)
	closeErr := tmp.Close()

	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, f.fail("timeout", err)
	case err != nil && out.err != nil:
		return nil, f.fail("write", out.err)
	case err != nil:
		return nil, f.fail("network", err)
	case closeErr != nil:
		return nil, f.fail("write", closeErr)
	case n == 0:
		return nil, f.fail("network", fmt.Errorf("empty response from %s", sourceURL))
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		return nil, f.fail("write", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, f.fail("write", err)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("kernel_fetch_complete", "path", destPath, "size_mb", n/1024/1024, "sha256", sum[:16]+"...")
	return &Image{Path: destPath, Size: n, SHA256: sum}, nil
}

func (f *Fetcher) fail(reason string, err error) error {
	slog.Error("kernel_fetch_failed", "reason", reason, "error", err)
	return &errors.FetchError{Reason: reason, Err: err}
}

// recordingWriter remembers the first local write error so transfer and
// disk failures can be told apart.
type recordingWriter struct {
	w   io.Writer
	err error
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	n, err := r.w.Write(p)
	if err != nil && r.err == nil {
		r.err = err
	}
	return n, err
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
