package events

import (
	"fmt"
	"testing"
)

func drain(ch <-chan Event) []Event {
	out := []Event{}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishStampsAndDelivers(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe(TopicJobStatus)
	defer sub.Close()

	b.Publish(TopicJobStatus, map[string]any{"status": "running", "context": ContextRun})
	b.Publish(TopicJobLog, map[string]any{"line": "ignored by this subscriber"})

	got := drain(sub.Events())
	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	ev := got[0]
	if ev["topic"] != string(TopicJobStatus) {
		t.Fatalf("topic = %v", ev["topic"])
	}
	if ev["status"] != "running" || ev["context"] != ContextRun {
		t.Fatalf("payload = %v", ev)
	}
	if _, ok := ev["seq"].(uint64); !ok {
		t.Fatalf("seq missing or wrong type: %v", ev["seq"])
	}
	if _, ok := ev["timestamp"].(string); !ok {
		t.Fatalf("timestamp missing: %v", ev["timestamp"])
	}
}

func TestSeqMonotonicAcrossTopics(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(TopicJobProgress, nil)
	b.Publish(TopicImageSettled, nil)
	b.Publish(TopicRetryQueueUpdated, nil)

	got := drain(sub.Events())
	if len(got) != 3 {
		t.Fatalf("delivered %d, want 3", len(got))
	}
	var last uint64
	for i, ev := range got {
		seq := ev["seq"].(uint64)
		if seq <= last {
			t.Fatalf("event %d: seq %d not increasing past %d", i, seq, last)
		}
		last = seq
	}
}

func TestPayloadCopied(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe(TopicJobProgress)
	defer sub.Close()

	payload := map[string]any{"completed": 1}
	b.Publish(TopicJobProgress, payload)
	payload["completed"] = 99

	got := drain(sub.Events())
	if len(got) != 1 || got[0]["completed"] != 1 {
		t.Fatalf("event saw caller mutation: %v", got)
	}
}

func TestProgressDropsOldestWhenFull(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe(TopicJobProgress)
	defer sub.Close()

	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		b.Publish(TopicJobProgress, map[string]any{"i": i})
	}

	got := drain(sub.Events())
	if len(got) != subscriberBuffer {
		t.Fatalf("buffered %d, want %d", len(got), subscriberBuffer)
	}
	// The newest event must have survived; the oldest were shed.
	if got[len(got)-1]["i"] != total-1 {
		t.Fatalf("newest event lost: last = %v", got[len(got)-1]["i"])
	}
	if got[0]["i"] == 0 {
		t.Fatal("oldest event was not shed")
	}
	// The subscriber is still attached.
	b.Publish(TopicJobProgress, map[string]any{"i": total})
	if more := drain(sub.Events()); len(more) != 1 {
		t.Fatalf("subscriber detached after shedding: %d", len(more))
	}
}

func TestSlowSubscriberDetachedOnStatusTopic(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe(TopicJobStatus)

	for i := 0; i < subscriberBuffer+detachAfterDrops; i++ {
		b.Publish(TopicJobStatus, map[string]any{"i": i})
	}

	got := []Event{}
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	// Channel closed by the bus: the first buffer-full survive, the rest
	// counted as drops until the detach limit hit.
	if len(got) != subscriberBuffer {
		t.Fatalf("received %d, want %d", len(got), subscriberBuffer)
	}
	if got[0]["i"] != 0 {
		t.Fatalf("status events must not shed oldest: first = %v", got[0]["i"])
	}
	// Closing after a bus-side detach must not panic.
	sub.Close()
}

func TestDeliveryResetsDropCount(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe(TopicJobStatus)
	defer sub.Close()

	for round := 0; round < 3; round++ {
		// Fill the buffer and overflow by almost the detach limit.
		for i := 0; i < subscriberBuffer+detachAfterDrops-1; i++ {
			b.Publish(TopicJobStatus, map[string]any{"round": round, "i": i})
		}
		if n := len(drain(sub.Events())); n != subscriberBuffer {
			t.Fatalf("round %d: received %d, want %d", round, n, subscriberBuffer)
		}
	}
	// Still attached after three near-miss rounds.
	b.Publish(TopicJobStatus, map[string]any{"final": true})
	if n := len(drain(sub.Events())); n != 1 {
		t.Fatalf("subscriber detached despite catching up: %d", n)
	}
}

func TestSubscribeAllTopics(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe()
	defer sub.Close()

	topics := []Topic{TopicJobProgress, TopicJobLog, TopicJobStatus, TopicImageSettled,
		TopicRetryQueueUpdated, TopicRetryProgress, TopicRetryJobStatus, TopicRetryJobError, TopicRetryStopped}
	for _, topic := range topics {
		b.Publish(topic, nil)
	}
	got := drain(sub.Events())
	if len(got) != len(topics) {
		t.Fatalf("received %d, want %d", len(got), len(topics))
	}
	for i, ev := range got {
		if ev["topic"] != string(topics[i]) {
			t.Fatalf("event %d topic = %v, want %s", i, ev["topic"], topics[i])
		}
	}
}

func TestCloseSemantics(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(TopicJobStatus)
	b.Publish(TopicJobStatus, map[string]any{"status": "running"})
	b.Close()
	b.Close() // idempotent

	got := []Event{}
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("events before close lost: %d", len(got))
	}

	b.Publish(TopicJobStatus, map[string]any{"status": "late"})

	late := b.Subscribe(TopicJobStatus)
	if _, ok := <-late.Events(); ok {
		t.Fatal("post-close subscription channel not closed")
	}
	late.Close()
	sub.Close()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	defer b.Close()
	sub := b.Subscribe(TopicJobProgress)
	sub.Close()
	sub.Close() // idempotent

	// Publishing to a closed subscription must not panic.
	for i := 0; i < 3; i++ {
		b.Publish(TopicJobProgress, map[string]any{"i": fmt.Sprint(i)})
	}
}
