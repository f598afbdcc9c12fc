package engine

import (
	"strconv"
	"testing"
	"time"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestEventHubReplaysRecentEventsToLateSubscribers(t *testing.T) {
	hub := NewEventHub()
	hub.Publish(Event{Type: EventScheduleUpdate, ScheduleID: "s1"})
	hub.Publish(Event{Type: EventScheduleUpdate, ScheduleID: "s2"})

	ch, cancel := hub.Subscribe()
	defer cancel()

	got := drain(ch)
	if len(got) != 2 || got[0].ScheduleID != "s1" || got[1].ScheduleID != "s2" {
		t.Fatalf("expected both events replayed in order, got %+v", got)
	}

	hub.Publish(Event{Type: EventZoneUpdate, Zones: []string{"climate.hall"}})
	select {
	case evt := <-ch:
		if evt.Type != EventZoneUpdate {
			t.Fatalf("unexpected live event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}
}

func TestEventHubTrimsReplayWindow(t *testing.T) {
	hub := NewEventHub()
	for i := 0; i < replayCap+10; i++ {
		hub.Publish(Event{Type: EventScheduleUpdate, ScheduleID: strconv.Itoa(i)})
	}

	ch, cancel := hub.Subscribe()
	defer cancel()

	got := drain(ch)
	if len(got) != replayCap {
		t.Fatalf("expected %d replayed events, got %d", replayCap, len(got))
	}
	if got[0].ScheduleID != strconv.Itoa(10) {
		t.Fatalf("expected the oldest events trimmed, first replayed is %q", got[0].ScheduleID)
	}
}

func TestEventHubDropsInsteadOfBlocking(t *testing.T) {
	hub := NewEventHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	// More events than the subscriber buffer holds; Publish must not stall.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+16; i++ {
			hub.Publish(Event{Type: EventSyncResult})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if got := drain(ch); len(got) != subscriberBuffer {
		t.Fatalf("expected a full buffer of %d events, got %d", subscriberBuffer, len(got))
	}
}

func TestEventHubCancelStopsDelivery(t *testing.T) {
	hub := NewEventHub()
	ch, cancel := hub.Subscribe()
	cancel()

	hub.Publish(Event{Type: EventAwayHome})
	if got := drain(ch); len(got) != 0 {
		t.Fatalf("cancelled subscriber still received %d events", len(got))
	}
}

func TestEventHubStampsTimestamps(t *testing.T) {
	hub := NewEventHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(Event{Type: EventZoneUpdate})
	got := drain(ch)
	if len(got) != 1 || got[0].TSUnixMillis == 0 {
		t.Fatalf("expected a stamped event, got %+v", got)
	}

	explicit := Event{Type: EventZoneUpdate, TSUnixMillis: 42}
	hub.Publish(explicit)
	got = drain(ch)
	if len(got) != 1 || got[0].TSUnixMillis != 42 {
		t.Fatalf("expected explicit timestamp preserved, got %+v", got)
	}
}
