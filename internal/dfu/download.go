package dfu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// imageSuffix is appended to downloaded image names.
const imageSuffix = "_nf.zip"

// Fetcher makes a remote firmware image available on local disk.
type Fetcher interface {
	// Fetch downloads u and returns the path of a new file the caller owns.
	Fetch(ctx context.Context, u *url.URL) (string, error)
}

// Downloader fetches images over HTTP into a temporary directory.
type Downloader struct {
	client *http.Client
	dir    string
}

// NewDownloader creates a Downloader. A nil client uses a default client
// with a generous timeout; an empty dir uses os.TempDir().
func NewDownloader(client *http.Client, dir string) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return &Downloader{client: client, dir: dir}
}

// Fetch streams u to <dir>/<uuid>_nf.zip. The file is written under a
// .tmp name first and renamed once complete, so a partially downloaded image
// is never handed to a flash transport.
func (d *Downloader) Fetch(ctx context.Context, u *url.URL) (string, error) {
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("dfu: unsupported URL scheme %q", u.Scheme)
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return "", fmt.Errorf("dfu: create download dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("dfu: build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("dfu: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dfu: download failed: HTTP %d", resp.StatusCode)
	}

	destPath := filepath.Join(d.dir, uuid.NewString()+imageSuffix)
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("dfu: create temp file: %w", err)
	}

	pw := &progressWriter{
		writer: f,
		total:  resp.ContentLength,
		label:  filepath.Base(u.Path),
	}
	written, err := io.Copy(pw, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("dfu: write image: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("dfu: move image: %w", err)
	}

	slog.Info("[DFU] firmware downloaded", "url", u.String(), "path", destPath, "bytes", written)
	return destPath, nil
}

// progressWriter wraps an io.Writer and logs download progress every 10%.
type progressWriter struct {
	writer  io.Writer
	total   int64
	written int64
	label   string
	logged  int
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := int(pw.written * 100 / pw.total)
		if pct/10 > pw.logged/10 {
			pw.logged = pct
			slog.Debug("[DFU] downloading", "file", pw.label, "percent", pct)
		}
	}
	return n, err
}

// removeImage deletes a downloaded image, logging failures.
func removeImage(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("[DFU] failed to remove firmware image", "path", path, "error", err)
	}
}
