package kernel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcdash/microvm/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDownloader struct {
	calls   int
	payload []byte
	err     error
	block   bool
}

func (d *fakeDownloader) Download(ctx context.Context, source string, w io.Writer) (int64, error) {
	d.calls++
	if d.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if d.err != nil {
		// Simulate a transfer that dies midway
		w.Write(d.payload[:len(d.payload)/2])
		return 0, d.err
	}
	n, err := w.Write(d.payload)
	return int64(n), err
}

const source = "s3://spec.ccfc.min/img/quickstart_guide/x86_64/kernels/vmlinux.bin"

func TestEnsureDownloadsOnce(t *testing.T) {
	dest := filepath.Join(t.TempDir(), ".artifacts", "vmlinux.bin")
	d := &fakeDownloader{payload: []byte("ELF kernel image")}
	f := NewFetcher(d, time.Second)
	ctx := context.Background()

	first, err := f.Ensure(ctx, dest, source)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, int64(16), first.Size)
	assert.Len(t, first.SHA256, 64)

	second, err := f.Ensure(ctx, dest, source)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.SHA256, second.SHA256)

	assert.Equal(t, 1, d.calls, "second Ensure must not download")

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEnsureRedownloadsEmptyFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "vmlinux.bin")
	require.NoError(t, os.WriteFile(dest, nil, 0644))

	d := &fakeDownloader{payload: []byte("kernel")}
	img, err := NewFetcher(d, time.Second).Ensure(context.Background(), dest, source)
	require.NoError(t, err)
	assert.False(t, img.Cached)
	assert.Equal(t, 1, d.calls)
}

func TestEnsureFailures(t *testing.T) {
	tests := []struct {
		name       string
		downloader *fakeDownloader
		dest       func(dir string) string
		want       string
	}{
		{
			name:       "network",
			downloader: &fakeDownloader{payload: []byte("partial kernel"), err: fmt.Errorf("connection reset by peer")},
			dest:       func(dir string) string { return filepath.Join(dir, "vmlinux.bin") },
			want:       "network",
		},
		{
			name:       "empty body",
			downloader: &fakeDownloader{payload: []byte{}},
			dest:       func(dir string) string { return filepath.Join(dir, "vmlinux.bin") },
			want:       "network",
		},
		{
			name:       "timeout",
			downloader: &fakeDownloader{block: true},
			dest:       func(dir string) string { return filepath.Join(dir, "vmlinux.bin") },
			want:       "timeout",
		},
		{
			name:       "unwritable destination",
			downloader: &fakeDownloader{payload: []byte("kernel")},
			dest: func(dir string) string {
				blocker := filepath.Join(dir, "file")
				os.WriteFile(blocker, []byte("x"), 0644)
				return filepath.Join(blocker, "vmlinux.bin")
			},
			want: "write",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			dest := tt.dest(dir)

			_, err := NewFetcher(tt.downloader, 50*time.Millisecond).Ensure(context.Background(), dest, source)
			require.Error(t, err)

			var fetchErr *errors.FetchError
			require.True(t, errors.As(err, &fetchErr))
			assert.Equal(t, tt.want, fetchErr.Reason)
			assert.Equal(t, "kernel", errors.StageOf(err))

			_, statErr := os.Stat(dest)
			assert.Error(t, statErr, "no file may remain at dest")

			entries, _ := os.ReadDir(dir)
			for _, e := range entries {
				assert.NotContains(t, e.Name(), ".tmp-")
			}
		})
	}
}

func TestSchemeDownloaderHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vmlinux.bin" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("kernel over http"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "vmlinux.bin")
	img, err := NewFetcher(NewDownloader("us-east-1"), time.Second).Ensure(context.Background(), dest, srv.URL+"/vmlinux.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len("kernel over http")), img.Size)

	_, err = NewFetcher(NewDownloader("us-east-1"), time.Second).Ensure(context.Background(), dest+".2", srv.URL+"/missing")
	var fetchErr *errors.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "network", fetchErr.Reason)
}

func TestSchemeDownloaderRejectsUnknownScheme(t *testing.T) {
	_, err := NewDownloader("us-east-1").Download(context.Background(), "ftp://example.com/vmlinux", io.Discard)
	assert.Error(t, err)
}
