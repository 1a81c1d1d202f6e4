package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Exit codes: 0 ok, 1 configuration error, 2 runtime error, 3 cancelled.
const (
	exitOK        = 0
	exitConfig    = 1
	exitRuntime   = 2
	exitCancelled = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runCmd(os.Args[2:]))
	case "retry":
		os.Exit(retryCmd(os.Args[2:]))
	case "history":
		os.Exit(historyCmd(os.Args[2:]))
	case "validate":
		os.Exit(validateCmd(os.Args[2:]))
	default:
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  imageforge run --config <run.yaml> [--label <s>]")
	fmt.Fprintln(os.Stderr, "  imageforge retry --image-id <N> [--include-metadata]")
	fmt.Fprintln(os.Stderr, "  imageforge history [--status <s>] [--page <N>]")
	fmt.Fprintln(os.Stderr, "  imageforge validate --config <run.yaml>")
}

// censorFormatter masks configured secret values in every log line.
type censorFormatter struct {
	inner   logrus.Formatter
	secrets []string
}

func (f *censorFormatter) Format(e *logrus.Entry) ([]byte, error) {
	out, err := f.inner.Format(e)
	if err != nil {
		return nil, err
	}
	line := string(out)
	for _, s := range f.secrets {
		if s != "" {
			line = strings.ReplaceAll(line, s, "[redacted]")
		}
	}
	return []byte(line), nil
}

// newLogger builds the process logger, masking the given secrets.
func newLogger(debug bool, secrets []string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&censorFormatter{inner: &logrus.TextFormatter{FullTimestamp: true}, secrets: secrets})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return logrus.NewEntry(log)
}
