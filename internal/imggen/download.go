package imggen

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Downloader fetches generated artifacts to local files. Two timeouts
// apply: a total budget for the whole transfer and an idle watchdog that
// aborts when no bytes arrive for a while (a stalled CDN connection
// should not eat the whole budget).
type Downloader struct {
	Client       *http.Client
	TotalTimeout time.Duration
	IdleTimeout  time.Duration
}

func NewDownloader() *Downloader {
	return &Downloader{
		Client:       &http.Client{},
		TotalTimeout: 120 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}

// sniffFormat recognizes the image containers the pipeline handles.
func sniffFormat(header []byte) string {
	switch {
	case bytes.HasPrefix(header, []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case bytes.HasPrefix(header, []byte("\xff\xd8\xff")):
		return "jpg"
	case len(header) >= 12 && bytes.Equal(header[0:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WEBP")):
		return "webp"
	default:
		return ""
	}
}

// Fetch downloads url into dest (write-temp-then-rename) and returns
// the sniffed format. A body that does not start with a known image
// signature is an error; providers occasionally hand back an HTML error
// page with status 200.
func (d *Downloader) Fetch(ctx context.Context, url, dest string) (string, error) {
	total := d.TotalTimeout
	if total <= 0 {
		total = 120 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	totalTimer := time.AfterFunc(total, cancel)
	defer totalTimer.Stop()

	idle := d.IdleTimeout
	if idle <= 0 {
		idle = 15 * time.Second
	}
	idleTimer := time.AfterFunc(idle, cancel)
	defer idleTimer.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", ErrorFromHTTPStatus("download", resp.StatusCode, "fetching "+url)
	}

	header := make([]byte, 12)
	if _, err := io.ReadFull(resp.Body, header); err != nil {
		return "", fmt.Errorf("read image header: %w", err)
	}
	idleTimer.Reset(idle)
	format := sniffFormat(header)
	if format == "" {
		return "", fmt.Errorf("response from %s is not a supported image", url)
	}

	tmp := dest + ".part"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := out.Write(header); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			idleTimer.Reset(idle)
			if _, err := out.Write(buf[:n]); err != nil {
				_ = out.Close()
				_ = os.Remove(tmp)
				return "", err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			if ctx.Err() != nil {
				return "", fmt.Errorf("download of %s timed out: %w", url, ctx.Err())
			}
			return "", readErr
		}
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return format, nil
}
