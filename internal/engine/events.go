package engine

import (
	"sync"
	"time"
)

// Event is streamed to the frontend whenever schedules mutate, zones
// change or a platform push finishes. It is intentionally UI-friendly
// rather than engine-internal.
type Event struct {
	Type         string   `json:"type"`
	ScheduleID   string   `json:"schedule_id,omitempty"`
	Zones        []string `json:"zones,omitempty"`
	State        string   `json:"state,omitempty"`
	Synced       *bool    `json:"synced,omitempty"`
	TSUnixMillis int64    `json:"ts"`
}

// Event types carried on the feed.
const (
	EventScheduleUpdate = "schedule_update"
	EventZoneUpdate     = "zone_update"
	EventAwayHome       = "away_home_update"
	EventSyncResult     = "sync_result"
)

// replayCap must not exceed subscriberBuffer: Subscribe replays into a
// fresh channel while holding the hub lock and relies on the buffer
// having room for the whole replay.
const (
	replayCap        = 64
	subscriberBuffer = 64
)

// EventHub is an in-memory pub/sub feed. It keeps a short replay window
// so clients that connect slightly late still see the mutation that made
// them refresh.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	replay []Event
}

func NewEventHub() *EventHub {
	return &EventHub{subs: map[chan Event]struct{}{}}
}

// Subscribe registers a listener and returns its channel together with a
// cancel func that unregisters and closes it.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	for _, evt := range h.replay {
		ch <- evt
	}
	h.mu.Unlock()

	// The channel is never closed: a concurrent Publish may still hold a
	// reference from its snapshot, and an unregistered channel is simply
	// collected along with its subscriber.
	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish stamps and fans out an event. A subscriber with a full buffer
// loses the event rather than stalling the mutation that produced it.
func (h *EventHub) Publish(evt Event) {
	if evt.TSUnixMillis == 0 {
		evt.TSUnixMillis = time.Now().UTC().UnixMilli()
	}

	h.mu.Lock()
	h.replay = append(h.replay, evt)
	if len(h.replay) > replayCap {
		h.replay = h.replay[len(h.replay)-replayCap:]
	}
	subs := make([]chan Event, 0, len(h.subs))
	for ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
