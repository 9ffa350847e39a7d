package kernel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/btcdash/microvm/pkg/storage"
)

// Downloader streams the object at source into w and returns the byte count.
type Downloader interface {
	Download(ctx context.Context, source string, w io.Writer) (int64, error)
}

// SchemeDownloader dispatches on the URL scheme: s3:// goes to anonymous S3,
// http and https to plain HTTP GET.
type SchemeDownloader struct {
	region string
	http   *http.Client

	mu      sync.Mutex
	clients map[string]*storage.Client
}

// NewDownloader creates a downloader. region is used for s3:// sources.
func NewDownloader(region string) *SchemeDownloader {
	return &SchemeDownloader{
		region:  region,
		http:    &http.Client{},
		clients: make(map[string]*storage.Client),
	}
}

func (d *SchemeDownloader) Download(ctx context.Context, source string, w io.Writer) (int64, error) {
	u, err := url.Parse(source)
	if err != nil {
		return 0, fmt.Errorf("invalid kernel source %q: %w", source, err)
	}

	switch u.Scheme {
	case "s3":
		return d.downloadS3(ctx, source, w)
	case "http", "https":
		return d.downloadHTTP(ctx, source, w)
	default:
		return 0, fmt.Errorf("unsupported kernel source scheme %q", u.Scheme)
	}
}

func (d *SchemeDownloader) downloadS3(ctx context.Context, source string, w io.Writer) (int64, error) {
	bucket, key, err := storage.ParseURL(source)
	if err != nil {
		return 0, err
	}

	client, err := d.s3Client(ctx, bucket)
	if err != nil {
		return 0, err
	}

	result, err := client.Download(ctx, key, w)
	if err != nil {
		return 0, err
	}
	return result.Size, nil
}

func (d *SchemeDownloader) s3Client(ctx context.Context, bucket string) (*storage.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[bucket]; ok {
		return c, nil
	}
	c, err := storage.NewClient(ctx, bucket, d.region)
	if err != nil {
		return nil, err
	}
	d.clients[bucket] = c
	return c, nil
}

func (d *SchemeDownloader) downloadHTTP(ctx context.Context, source string, w io.Writer) (int64, error) {
	slog.Info("http_download_start", "url", source)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("GET %s: %s", source, resp.Status)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, err
	}
	slog.Info("http_download_complete", "url", source, "size_mb", n/1024/1024)
	return n, nil
}
