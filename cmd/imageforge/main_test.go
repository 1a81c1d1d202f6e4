package main

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestCensorFormatterMasksSecrets(t *testing.T) {
	f := &censorFormatter{
		inner:   &logrus.TextFormatter{DisableTimestamp: true},
		secrets: []string{"sk-super-secret", ""},
	}
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "authorization failed for key sk-super-secret"
	entry.Level = logrus.WarnLevel

	out, err := f.Format(entry)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if strings.Contains(string(out), "sk-super-secret") {
		t.Fatalf("secret leaked: %s", out)
	}
	if !strings.Contains(string(out), "[redacted]") {
		t.Fatalf("no redaction marker: %s", out)
	}
}

func TestUsageExitCodesAreDistinct(t *testing.T) {
	codes := map[int]string{
		exitOK:        "ok",
		exitConfig:    "config",
		exitRuntime:   "runtime",
		exitCancelled: "cancelled",
	}
	if len(codes) != 4 {
		t.Fatalf("exit codes collide: %v", codes)
	}
}
