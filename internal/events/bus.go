package events

import (
	"strings"
	"sync"
	"time"
)

// Topic names the event streams the pipeline publishes.
type Topic string

const (
	TopicJobProgress  Topic = "job.progress"
	TopicJobLog       Topic = "job.log"
	TopicJobStatus    Topic = "job.status"
	TopicImageSettled Topic = "image.settled"

	TopicRetryQueueUpdated Topic = "retry.queueUpdated"
	TopicRetryProgress     Topic = "retry.progress"
	TopicRetryJobStatus    Topic = "retry.jobStatus"
	TopicRetryJobError     Topic = "retry.jobError"
	TopicRetryStopped      Topic = "retry.stopped"

	TopicZipExportProgress  Topic = "zipExport.progress"
	TopicZipExportCompleted Topic = "zipExport.completed"
	TopicZipExportError     Topic = "zipExport.error"
)

// Context values distinguish run events from retry events in payloads.
const (
	ContextRun   = "run"
	ContextRetry = "retry"
)

// Event is one published payload. The bus stamps "topic", "seq" (a
// bus-wide monotonic counter), and "timestamp" before delivery; the
// publisher supplies the rest, including "context".
type Event map[string]any

// dropOldest reports whether a full subscriber buffer sheds its oldest
// event instead of counting toward detachment. High-volume streams
// (progress, log) lose stale entries; everything else is too important
// to drop silently, so a persistently slow subscriber is detached.
func dropOldest(t Topic) bool {
	s := string(t)
	return strings.HasSuffix(s, ".progress") || strings.HasSuffix(s, ".log")
}

const (
	subscriberBuffer = 64
	// detachAfterDrops is the consecutive-drop limit for non-shedding
	// topics before a subscriber is cut loose.
	detachAfterDrops = 8
)

type subscriber struct {
	ch     chan Event
	topics map[Topic]bool // nil means all topics
	drops  int
}

func (s *subscriber) wants(t Topic) bool {
	return s.topics == nil || s.topics[t]
}

// Bus is an in-process pub/sub fan-out. Publish never blocks: each
// subscriber has a bounded buffer, and the per-topic drop policy decides
// what happens when it fills. One Bus per process. Thread-safe.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	seq    uint64
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Publish stamps and fans out one event. The payload map is copied so
// the caller may keep mutating its own map.
func (b *Bus) Publish(topic Topic, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	ev := make(Event, len(payload)+3)
	for k, v := range payload {
		ev[k] = v
	}
	ev["topic"] = string(topic)
	ev["seq"] = b.seq
	ev["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	for id, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
			sub.drops = 0
			continue
		default:
		}
		if dropOldest(topic) {
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
			continue
		}
		sub.drops++
		if sub.drops >= detachAfterDrops {
			close(sub.ch)
			delete(b.subs, id)
		}
	}
}

// Subscription is one subscriber's receive side. Events() is closed when
// the subscription is closed, the bus shuts down, or the subscriber was
// detached for falling too far behind.
type Subscription struct {
	bus *Bus
	id  uint64
	ch  chan Event
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription. Safe to call more than once, and
// safe to race with a bus-side detach.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(sub.ch)
	}
}

// Subscribe registers for the given topics; no topics means all of them.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return &Subscription{bus: b, ch: ch}
	}
	var set map[Topic]bool
	if len(topics) > 0 {
		set = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			set[t] = true
		}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch, topics: set}
	return &Subscription{bus: b, id: id, ch: ch}
}

// Close shuts the bus down and closes every subscriber channel. Later
// publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
