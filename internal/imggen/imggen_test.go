package imggen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		err := ErrorFromHTTPStatus("piapi", tc.status, "boom")
		if Retryable(err) != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, Retryable(err), tc.retryable)
		}
		if StatusCode(err) != tc.status {
			t.Errorf("status %d: extracted %d", tc.status, StatusCode(err))
		}
	}
	var rle *RateLimitError
	if err := ErrorFromHTTPStatus("piapi", 429, "slow down"); !errors.As(err, &rle) {
		t.Fatalf("429 mapped to %T", err)
	}
	if Retryable(NewRequestTimeoutError("piapi", "budget spent")) {
		t.Fatal("poll timeout must not be retryable")
	}
}

func TestPiAPIGenerate(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/task":
			if r.Header.Get("x-api-key") != "pk-test" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var req piapiTaskRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("bad submit body: %v", err)
			}
			if req.Input.ProcessMode != "turbo" {
				t.Errorf("process mode = %q", req.Input.ProcessMode)
			}
			fmt.Fprint(w, `{"code":200,"data":{"task_id":"task-1","status":"pending"}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/task/task-1":
			if polls.Add(1) < 2 {
				fmt.Fprint(w, `{"code":200,"data":{"task_id":"task-1","status":"processing"}}`)
				return
			}
			fmt.Fprint(w, `{"code":200,"data":{"task_id":"task-1","status":"completed","output":{"image_urls":["u1","u2","u3","u4"]}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewPiAPIClient("pk-test")
	c.BaseURL = srv.URL
	c.PollInterval = 5 * time.Millisecond

	urls, err := c.Generate(context.Background(), GenerationRequest{
		Prompt:      "a red chair",
		Variations:  2,
		ProcessMode: "turbo",
		PollTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(urls) != 2 || urls[0] != "u1" || urls[1] != "u2" {
		t.Fatalf("urls = %v, want first two", urls)
	}
}

func TestPiAPIPollTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"code":200,"data":{"task_id":"task-1","status":"pending"}}`)
			return
		}
		fmt.Fprint(w, `{"code":200,"data":{"task_id":"task-1","status":"processing"}}`)
	}))
	defer srv.Close()

	c := NewPiAPIClient("pk-test")
	c.BaseURL = srv.URL
	c.PollInterval = time.Millisecond

	_, err := c.Generate(context.Background(), GenerationRequest{
		Prompt:      "slow",
		Variations:  1,
		PollTimeout: 20 * time.Millisecond,
	})
	var te *RequestTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want RequestTimeoutError", err)
	}
}

func TestPiAPITaskFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"code":200,"data":{"task_id":"task-1","status":"pending"}}`)
			return
		}
		fmt.Fprint(w, `{"code":200,"data":{"task_id":"task-1","status":"failed","error":{"message":"prompt rejected"}}}`)
	}))
	defer srv.Close()

	c := NewPiAPIClient("pk-test")
	c.BaseURL = srv.URL
	c.PollInterval = time.Millisecond

	_, err := c.Generate(context.Background(), GenerationRequest{Prompt: "bad", Variations: 1, PollTimeout: time.Second})
	if err == nil || StatusCode(err) != 0 {
		t.Fatalf("got %v", err)
	}
}

func TestRunwareGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer rw-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var tasks []runwareTask
		if err := json.NewDecoder(r.Body).Decode(&tasks); err != nil || len(tasks) != 1 {
			t.Errorf("bad body: %v (%d tasks)", err, len(tasks))
		}
		if tasks[0].NumberResults != 3 {
			t.Errorf("numberResults = %d", tasks[0].NumberResults)
		}
		if tasks[0].Width != 1344 || tasks[0].Height != 768 {
			t.Errorf("dimensions = %dx%d", tasks[0].Width, tasks[0].Height)
		}
		fmt.Fprint(w, `{"data":[{"taskUUID":"x","imageURL":"a"},{"taskUUID":"x","imageURL":"b"},{"taskUUID":"x","imageURL":"c"}]}`)
	}))
	defer srv.Close()

	c := NewRunwareClient("rw-test")
	c.BaseURL = srv.URL

	urls, err := c.Generate(context.Background(), GenerationRequest{
		Prompt:      "a blue door",
		Variations:  3,
		AspectRatio: "16:9",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(urls) != 3 {
		t.Fatalf("urls = %v", urls)
	}
}

func TestRunwareTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors":[{"message":"invalid model"}]}`)
	}))
	defer srv.Close()

	c := NewRunwareClient("rw-test")
	c.BaseURL = srv.URL
	_, err := c.Generate(context.Background(), GenerationRequest{Prompt: "x", Variations: 1})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRemoveBgRetriesServerErrors(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in.png")
	if err := os.WriteFile(input, pngHeader, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "rb-test" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("cutout-bytes"))
	}))
	defer srv.Close()

	c := NewRemoveBgClient("rb-test")
	c.BaseURL = srv.URL
	c.InitialBackoff = time.Millisecond

	out, err := c.Remove(context.Background(), input, "auto", 5*time.Second)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if string(out) != "cutout-bytes" {
		t.Fatalf("body = %q", out)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestRemoveBgClientErrorNotRetried(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in.png")
	if err := os.WriteFile(input, pngHeader, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewRemoveBgClient("rb-test")
	c.BaseURL = srv.URL
	c.InitialBackoff = time.Millisecond

	if _, err := c.Remove(context.Background(), input, "auto", time.Second); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestRemoveBgBudgetExhausted(t *testing.T) {
	input := filepath.Join(t.TempDir(), "in.png")
	if err := os.WriteFile(input, pngHeader, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewRemoveBgClient("rb-test")
	c.BaseURL = srv.URL
	c.InitialBackoff = 20 * time.Millisecond

	_, err := c.Remove(context.Background(), input, "auto", 50*time.Millisecond)
	var te *RequestTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want RequestTimeoutError", err)
	}
}

func TestDownloaderSniffsFormat(t *testing.T) {
	body := append(append([]byte{}, pngHeader...), []byte("fake image payload")...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "img.png")
	d := NewDownloader()
	format, err := d.Fetch(context.Background(), srv.URL, dest)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if format != "png" {
		t.Fatalf("format = %q", format)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(body) {
		t.Fatal("downloaded bytes differ")
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}

func TestDownloaderRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>error page pretending to be an image</html>")
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "img.png")
	d := NewDownloader()
	if _, err := d.Fetch(context.Background(), srv.URL, dest); err == nil {
		t.Fatal("expected sniff failure")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatal("destination created for rejected body")
	}
}

func TestDownloaderIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngHeader)
		_, _ = w.Write(make([]byte, 8))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Stall without closing; the idle watchdog must fire.
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "img.png")
	d := NewDownloader()
	d.IdleTimeout = 50 * time.Millisecond

	start := time.Now()
	if _, err := d.Fetch(context.Background(), srv.URL, dest); err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("watchdog too slow: %v", time.Since(start))
	}
}

func TestSniffFormats(t *testing.T) {
	webp := append([]byte("RIFF"), 0, 0, 0, 0)
	webp = append(webp, []byte("WEBP")...)
	cases := map[string][]byte{
		"png":  pngHeader,
		"jpg":  {0xff, 0xd8, 0xff, 0xe0, 0, 0, 0, 0, 0, 0, 0, 0},
		"webp": webp,
		"":     []byte("GIF89a stuff"),
	}
	for want, header := range cases {
		if got := sniffFormat(header); got != want {
			t.Errorf("sniff(% x) = %q, want %q", header[:4], got, want)
		}
	}
}
