// Package bus provides the in-process event fan-out that keeps dashboards
// and per-session listeners in sync with the pipeline.
//
// Events are keyed by channel: "owner" is the global channel; every session
// id is its own channel. Publish never blocks the producer: each subscriber
// owns a bounded ring buffer (64 events) and a slow subscriber loses the
// oldest events first. Delivery is at-most-once and best-effort; reliability
// comes from polling the store.
//
// All methods are safe for concurrent use.
package bus

import (
	"sync"
	"time"
)

// ChannelOwner is the global channel the dashboard subscribes to.
const ChannelOwner = "owner"

// Event types published by the orchestrator.
const (
	EventNewRing       = "new_ring"
	EventPipelineStage = "pipeline_stage"
	EventWeaponAlert   = "weapon_alert"
	EventSessionEnded  = "session_ended"
	EventOwnerReply    = "owner_reply"
)

// bufferSize is the per-subscriber ring capacity. When full, the oldest
// buffered event is dropped to admit the new one.
const bufferSize = 64

// Event is one bus message. Payload carries the type-specific fields that
// are serialized to WebSocket clients as-is.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Bus is the channel-keyed fan-out. The zero value is not usable; call New.
type Bus struct {
	mu       sync.Mutex
	channels map[string]*channel
	nextID   int
}

// channel holds one channel's subscriber list behind its own lock so that a
// publish on one channel never contends with another.
type channel struct {
	mu   sync.Mutex
	subs map[int]*subscriber
}

type subscriber struct {
	mu     sync.Mutex
	buf    []Event // ring ordered oldest first
	wake   chan struct{}
	closed bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{channels: make(map[string]*channel)}
}

// Publish delivers ev to every subscriber of name. It never blocks: full
// subscriber buffers drop their oldest event. Publishing to a channel with
// no subscribers is a no-op.
func (b *Bus) Publish(name string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	ch, ok := b.channels[name]
	b.mu.Unlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	subs := make([]*subscriber, 0, len(ch.subs))
	for _, s := range ch.subs {
		subs = append(subs, s)
	}
	ch.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// Subscribe registers a new subscriber on name and returns a receive channel
// plus a cancel function. The receive channel is closed after cancel is
// called and the drain goroutine exits. Events arrive in publish order.
func (b *Bus) Subscribe(name string) (<-chan Event, func()) {
	sub := &subscriber{wake: make(chan struct{}, 1)}

	b.mu.Lock()
	ch, ok := b.channels[name]
	if !ok {
		ch = &channel{subs: make(map[int]*subscriber)}
		b.channels[name] = ch
	}
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	ch.mu.Lock()
	ch.subs[id] = sub
	ch.mu.Unlock()

	out := make(chan Event)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			ev, ok := sub.pop()
			if ok {
				select {
				case out <- ev:
					continue
				case <-done:
					return
				}
			}
			select {
			case <-sub.wake:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)

			ch.mu.Lock()
			delete(ch.subs, id)
			empty := len(ch.subs) == 0
			ch.mu.Unlock()

			sub.close()

			if empty {
				b.mu.Lock()
				// Re-check under the bus lock; a concurrent Subscribe may
				// have repopulated the channel.
				ch.mu.Lock()
				if len(ch.subs) == 0 {
					delete(b.channels, name)
				}
				ch.mu.Unlock()
				b.mu.Unlock()
			}
		})
	}

	return out, cancel
}

// SubscriberCount returns the number of subscribers on name.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.Lock()
	ch, ok := b.channels[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// push appends ev to the subscriber's ring, dropping the oldest event when
// the ring is full, and signals the drain goroutine.
func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= bufferSize {
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest buffered event.
func (s *subscriber) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return Event{}, false
	}
	ev := s.buf[0]
	s.buf = s.buf[1:]
	return ev, true
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
}
