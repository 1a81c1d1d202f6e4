package imggen

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"
)

const defaultRemoveBgBaseURL = "https://api.remove.bg"

// RemoveBgClient calls the background removal service. 5xx responses
// are retried with doubling backoff until the caller's budget is spent;
// 4xx responses fail immediately.
type RemoveBgClient struct {
	APIKey  string
	BaseURL string
	// InitialBackoff defaults to 1s and doubles per attempt, capped at
	// 30s. Tests shorten it.
	InitialBackoff time.Duration

	httpClient *http.Client
}

func NewRemoveBgClient(apiKey string) *RemoveBgClient {
	return &RemoveBgClient{
		APIKey:         apiKey,
		BaseURL:        defaultRemoveBgBaseURL,
		InitialBackoff: time.Second,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *RemoveBgClient) Name() string { return "remove_bg" }

// Remove uploads the image at inputPath and returns the cut-out PNG
// bytes. size is the service's size parameter (auto, preview, full, 4k).
// budget bounds the whole call including retries.
func (c *RemoveBgClient) Remove(ctx context.Context, inputPath, size string, budget time.Duration) ([]byte, error) {
	if budget <= 0 {
		budget = 60 * time.Second
	}
	deadline := time.Now().Add(budget)
	backoff := c.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		data, err := c.attempt(ctx, inputPath, size)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().Add(backoff).After(deadline) {
			return nil, NewRequestTimeoutError(c.Name(),
				fmt.Sprintf("gave up after %d attempts: %v", attempt, lastErr))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (c *RemoveBgClient) attempt(ctx context.Context, inputPath, size string) ([]byte, error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = in.Close() }()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("image_file", "image.png")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, in); err != nil {
		return nil, err
	}
	if size == "" {
		size = "auto"
	}
	if err := form.WriteField("size", size); err != nil {
		return nil, err
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1.0/removebg", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.APIKey)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, ErrorFromHTTPStatus(c.Name(), resp.StatusCode, string(msg))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}
