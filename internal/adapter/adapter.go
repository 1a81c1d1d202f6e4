// Package adapter is the single entry point a transport talks to. Every
// operation the surface exposes goes through here; the adapter owns
// per-entity write serialization, event forwarding, and secret
// redaction, and is the only package that touches catalog, runner,
// retry executor, vault, and bus together.
package adapter

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/forgeml/imageforge/internal/catalog"
	"github.com/forgeml/imageforge/internal/events"
	"github.com/forgeml/imageforge/internal/retryexec"
	"github.com/forgeml/imageforge/internal/runner"
	"github.com/forgeml/imageforge/internal/vault"
)

// logRingSize bounds the job log history kept for job:get-logs.
const logRingSize = 500

// forwardBuffer is the per-transport outbound buffer; a slow transport
// sheds oldest events rather than stalling the bus.
const forwardBuffer = 256

// StreamEvent is the transport-facing envelope: the stream name from
// the external surface plus the (redacted) payload.
type StreamEvent struct {
	Stream  string
	Payload events.Event
}

type Adapter struct {
	Catalog *catalog.Catalog
	Vault   *vault.Vault
	Runner  *runner.Runner
	Retry   *retryexec.Executor
	Bus     *events.Bus
	Log     *logrus.Entry
	Layout  catalog.Layout

	// settingsPath holds the persisted current-settings document.
	settingsPath string

	settingsMu sync.Mutex
	configMu   sync.Mutex
	execMu     sync.Mutex
	imageMu    sync.Mutex

	censorMu sync.RWMutex
	censor   []string // secret values masked out of forwarded payloads

	logMu   sync.Mutex
	logRing []events.Event

	out     chan StreamEvent
	sub     *events.Subscription
	closeMu sync.Mutex
	closed  bool
}

type Config struct {
	Catalog      *catalog.Catalog
	Vault        *vault.Vault
	Runner       *runner.Runner
	Retry        *retryexec.Executor
	Bus          *events.Bus
	Log          *logrus.Entry
	Layout       catalog.Layout
	SettingsPath string
}

func New(cfg Config) *Adapter {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &Adapter{
		Catalog:      cfg.Catalog,
		Vault:        cfg.Vault,
		Runner:       cfg.Runner,
		Retry:        cfg.Retry,
		Bus:          cfg.Bus,
		Log:          log,
		Layout:       cfg.Layout,
		settingsPath: cfg.SettingsPath,
		out:          make(chan StreamEvent, forwardBuffer),
	}
	a.sub = a.Bus.Subscribe()
	go a.forward()
	return a
}

// Events is the outbound stream the transport drains.
func (a *Adapter) Events() <-chan StreamEvent { return a.out }

// Close detaches from the bus and closes the outbound stream.
func (a *Adapter) Close() {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.sub.Close()
}

// streamFor maps internal topics onto the external stream names. An
// empty return drops the event from the transport.
func streamFor(topic events.Topic, payload events.Event) string {
	switch topic {
	case events.TopicJobLog:
		return "log"
	case events.TopicJobProgress, events.TopicJobStatus:
		return "progress"
	case events.TopicImageSettled:
		if payload["context"] == events.ContextRetry {
			return "retry-progress"
		}
		return "progress"
	case events.TopicRetryProgress:
		return "retry-progress"
	case events.TopicRetryQueueUpdated:
		return "retry-queue-updated"
	case events.TopicRetryJobStatus, events.TopicRetryStopped:
		return "retry-status-updated"
	case events.TopicRetryJobError:
		return "retry-error"
	case events.TopicZipExportProgress:
		return "zip-export-progress"
	case events.TopicZipExportCompleted:
		return "zip-export-completed"
	case events.TopicZipExportError:
		return "zip-export-error"
	}
	return ""
}

func (a *Adapter) forward() {
	defer close(a.out)
	for ev := range a.sub.Events() {
		name, _ := ev["topic"].(string)
		topic := events.Topic(name)
		ev = a.redactEvent(ev)
		if topic == events.TopicJobLog {
			a.recordLog(ev)
		}
		stream := streamFor(topic, ev)
		if stream == "" {
			continue
		}
		out := StreamEvent{Stream: stream, Payload: ev}
		select {
		case a.out <- out:
		default:
			// Shed the oldest buffered event; the newest always lands.
			select {
			case <-a.out:
			default:
			}
			select {
			case a.out <- out:
			default:
			}
		}

		// A settled retry is also a completion on its own stream.
		if topic == events.TopicRetryProgress {
			done := StreamEvent{Stream: "retry-completed", Payload: out.Payload}
			select {
			case a.out <- done:
			default:
			}
		}
	}
}

func (a *Adapter) recordLog(ev events.Event) {
	a.logMu.Lock()
	defer a.logMu.Unlock()
	a.logRing = append(a.logRing, ev)
	if len(a.logRing) > logRingSize {
		a.logRing = a.logRing[len(a.logRing)-logRingSize:]
	}
}

// setCensor replaces the masked-secret list. Called whenever a key is
// written so forwarded payloads can never leak the value.
func (a *Adapter) setCensor(values []string) {
	a.censorMu.Lock()
	defer a.censorMu.Unlock()
	a.censor = values
}

func (a *Adapter) addCensor(value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	a.censorMu.Lock()
	defer a.censorMu.Unlock()
	for _, v := range a.censor {
		if v == value {
			return
		}
	}
	a.censor = append(a.censor, value)
}

// redactEvent masks known secret values in string payload fields. The
// bus already hands every subscriber its own copy, so in-place writes
// on the copy are safe.
func (a *Adapter) redactEvent(ev events.Event) events.Event {
	a.censorMu.RLock()
	censor := a.censor
	a.censorMu.RUnlock()
	if len(censor) == 0 {
		return ev
	}
	for k, v := range ev {
		if s, ok := v.(string); ok {
			ev[k] = redactString(s, censor)
		}
	}
	return ev
}

func redactString(s string, censor []string) string {
	for _, secret := range censor {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "[redacted]")
		}
	}
	return s
}
