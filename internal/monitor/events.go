package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event is one entry on the /events feed. Field names match the sidecar
// protocol's camelCase convention.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	GuildID   string    `json:"guildId,omitempty"`
	ChannelID string    `json:"channelId,omitempty"`
	Text      string    `json:"text,omitempty"`
	State     string    `json:"state,omitempty"`
	Speaking  *bool     `json:"speaking,omitempty"`
	Time      time.Time `json:"time"`
}

// Event type values published by the bridge.
const (
	EventTranscript     = "transcript"
	EventVoiceActivity  = "voice_activity"
	EventVoiceState     = "voice_state"
	EventSessionStarted = "session_started"
	EventSessionStopped = "session_stopped"
	EventSidecarState   = "sidecar_state"
	EventBargeIn        = "barge_in"
)

// defaultSubscriberBuffer is the per-subscriber channel capacity. A
// subscriber that falls this far behind starts losing events.
const defaultSubscriberBuffer = 64

// Hub fans bridge events out to websocket subscribers. Publishing never
// blocks: events to a subscriber with a full buffer are dropped.
//
// Thread-safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	buffer  int
	dropped int64
	closed  bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSubscriberBuffer overrides the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub creates an event hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[chan Event]struct{}),
		buffer: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers ev to every subscriber. Timestamps the event if the
// caller did not.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Subscribe registers a new subscriber and returns its event channel plus an
// unsubscribe function. The channel is closed on unsubscribe or hub Close.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the total number of events discarded because a subscriber
// buffer was full.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects all subscribers. Subsequent Publish calls are no-ops and
// subsequent Subscribe calls return an already-closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// writeTimeout bounds a single websocket write to a subscriber.
const writeTimeout = 5 * time.Second

// handleEvents upgrades the request to a websocket and streams hub events
// until the client disconnects or the hub closes.
func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("monitor: websocket accept failed", "err", err)
		return
	}

	// The feed is write-only; CloseRead surfaces client disconnects
	// through the returned context.
	ctx := conn.CloseRead(r.Context())

	events, cancel := h.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("monitor: marshal event", "type", ev.Type, "err", err)
				continue
			}
			wctx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}
