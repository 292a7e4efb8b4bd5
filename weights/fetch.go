package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
)

// RemoteFile names one file a checkpoint needs on disk before import.
type RemoteFile struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// EnsureFiles downloads every remote file into dir unless it already
// exists, so re-running an import is cheap. Downloads land in a temp file
// that is renamed only after the body is fully written and closed. A nil
// client means http.DefaultClient.
func EnsureFiles(ctx context.Context, dir string, files []RemoteFile, client *http.Client, logger *log.Logger) error {
	if client == nil {
		client = http.DefaultClient
	}
	for _, f := range files {
		if f.Name == "" {
			return fmt.Errorf("required file with empty name (url %s)", f.URL)
		}
		dst := filepath.Join(dir, f.Name)
		if _, err := os.Stat(dst); err == nil {
			logf(logger, "file exists, skipping: %s", dst)
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dst, err)
		}
		logf(logger, "downloading %s", f.URL)
		if err := fetchOne(ctx, client, f.URL, dst); err != nil {
			return fmt.Errorf("fetch %s: %w", f.Name, err)
		}
		logf(logger, "saved %s", dst)
	}
	return nil
}

func fetchOne(ctx context.Context, client *http.Client, url, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return copyErr
	}
	if closeErr != nil {
		os.Remove(tmp)
		return closeErr
	}
	return os.Rename(tmp, dst)
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
