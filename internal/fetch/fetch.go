// Package fetch downloads remote artifacts into a local cache directory.
package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"vitforge/internal/errkind"
)

// File downloads url to dst unless dst already exists. The body is staged
// in a temporary file next to dst and renamed into place once complete, so
// an interrupted download never leaves a truncated cache entry behind.
func File(ctx context.Context, client *http.Client, url, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errkind.Resourcef("create cache dir: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errkind.Configf("download url %q: %v", url, err)
	}
	klog.Infof("downloading url=%s dst=%s", url, dst)
	resp, err := client.Do(req)
	if err != nil {
		return errkind.Resourcef("download %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errkind.Resourcef("download %s: status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".part-*")
	if err != nil {
		return errkind.Resourcef("stage download: %v", err)
	}
	n, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(tmp.Name())
		return errkind.Resourcef("download %s: %v", url, copyErr)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return errkind.Resourcef("install %s: %v", dst, err)
	}
	klog.Infof("downloaded url=%s bytes=%d", url, n)
	return nil
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
