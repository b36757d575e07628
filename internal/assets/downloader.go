// Package assets downloads generated media from provider CDNs into the run's
// output directory.
package assets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Downloader fetches provider asset URLs to local files. A failed download is
// not fatal to the task; the remote URL remains in the report.
type Downloader struct {
	dir    string
	client *http.Client
	logger *slog.Logger
}

func NewDownloader(dir string, logger *slog.Logger) *Downloader {
	return &Downloader{
		dir:    dir,
		client: &http.Client{Timeout: 5 * time.Minute},
		logger: logger,
	}
}

// Fetch downloads url into the output directory under filename and returns
// the local path. The write goes through a temp file so a partial download
// never masquerades as a finished asset.
func (d *Downloader) Fetch(ctx context.Context, url, filename string) (string, error) {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: HTTP %d", filename, resp.StatusCode)
	}

	dest := filepath.Join(d.dir, filename)
	tmp, err := os.CreateTemp(d.dir, filename+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close %s: %w", filename, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("finalize %s: %w", filename, err)
	}

	d.logger.Debug("downloaded asset", "file", filename)
	return dest, nil
}
