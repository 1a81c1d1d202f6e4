// Package imggen holds the HTTP clients the pipeline talks to: the
// generation providers, the background removal service, and the
// artifact downloader.
package imggen

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// GenerationRequest is one generation call: a prompt plus the knobs the
// provider understands. Variations is the number of images wanted back.
type GenerationRequest struct {
	Prompt      string
	Seed        int64
	Variations  int
	AspectRatio string
	ProcessMode string // relax | fast | turbo
	PollTimeout time.Duration
}

// Provider produces candidate image URLs for one request. A provider
// may return fewer than Variations URLs; the generate stage tops up.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req GenerationRequest) ([]string, error)
}

// logrusLeveled adapts logrus to retryablehttp's logger interface so
// transport retries land in the structured log.
type logrusLeveled struct {
	log *logrus.Entry
}

func (a logrusLeveled) fields(keysAndValues []any) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if k, ok := keysAndValues[i].(string); ok {
			f[k] = keysAndValues[i+1]
		}
	}
	return f
}

func (a logrusLeveled) Error(msg string, keysAndValues ...any) {
	a.log.WithFields(a.fields(keysAndValues)).Error(msg)
}
func (a logrusLeveled) Warn(msg string, keysAndValues ...any) {
	a.log.WithFields(a.fields(keysAndValues)).Warn(msg)
}
func (a logrusLeveled) Info(msg string, keysAndValues ...any) {
	a.log.WithFields(a.fields(keysAndValues)).Debug(msg)
}
func (a logrusLeveled) Debug(msg string, keysAndValues ...any) {
	a.log.WithFields(a.fields(keysAndValues)).Debug(msg)
}

var _ retryablehttp.LeveledLogger = logrusLeveled{}

// newHTTPClient builds the shared transport: a small number of
// automatic retries for connection-level failures, backed by logrus.
func newHTTPClient(name string, timeout time.Duration) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.HTTPClient.Timeout = timeout
	retryClient.Logger = logrusLeveled{log: logrus.WithField("client", name)}
	return retryClient.StandardClient()
}
