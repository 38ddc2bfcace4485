// Package fanout routes server events to the live socket connections of a
// device, holding a bounded queue for devices that are offline.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"convcore/internal/observability/metrics"

	"github.com/google/uuid"
)

var (
	ErrDetached      = errors.New("fanout: subscription detached")
	ErrSlowConsumer  = errors.New("fanout: subscriber fell behind")
	ErrDeviceRevoked = errors.New("fanout: device revoked")
)

type Config struct {
	// OfflineCap bounds each offline device queue; the oldest event is
	// dropped when it is full.
	OfflineCap int
	// SendBuffer bounds events waiting for a live connection's writer.
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if c.OfflineCap <= 0 {
		c.OfflineCap = 256
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

type queue struct {
	events   []Event
	overflow bool
}

type Hub struct {
	cfg Config

	mu     sync.Mutex
	seq    uint64
	live   map[uuid.UUID]map[*Subscription]struct{}
	queues map[uuid.UUID]*queue
}

func NewHub(cfg Config) *Hub {
	return &Hub{
		cfg:    cfg.withDefaults(),
		live:   make(map[uuid.UUID]map[*Subscription]struct{}),
		queues: make(map[uuid.UUID]*queue),
	}
}

// Attach registers a live connection for deviceID. Events queued while the
// device was offline are moved into the subscription first, preceded by
// resync.required if the queue overflowed. resumed reports whether such a
// queue existed. Callers replay durable state on every attach regardless,
// since events a writer had already taken are not requeued.
func (h *Hub) Attach(userID, deviceID, connectionID uuid.UUID) (sub *Subscription, resumed bool) {
	sub = &Subscription{
		hub:          h,
		UserID:       userID,
		DeviceID:     deviceID,
		ConnectionID: connectionID,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		limit:        h.cfg.SendBuffer,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if q, ok := h.queues[deviceID]; ok {
		resumed = true
		delete(h.queues, deviceID)
		metrics.FanoutQueuedEvents.Sub(float64(len(q.events)))
		if q.overflow {
			h.seq++
			sub.pending = append(sub.pending, Event{
				Seq:  h.seq,
				Name: EventResyncRequired,
				Data: ResyncReason{Reason: "offline queue overflow"},
			})
		}
		sub.pending = append(sub.pending, q.events...)
		// Queued backlog may exceed the live buffer; it is delivered in full.
		if n := len(sub.pending); n > sub.limit {
			sub.limit = n + h.cfg.SendBuffer
		}
	}

	subs := h.live[deviceID]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		h.live[deviceID] = subs
	}
	subs[sub] = struct{}{}
	metrics.SocketSessionsActive.Inc()
	if len(sub.pending) > 0 {
		sub.signal()
	}
	return sub, resumed
}

// Publish sends name/data to every live connection of deviceID, or queues it
// when none is attached. It never blocks on a slow connection.
func (h *Hub) Publish(deviceID uuid.UUID, name string, data any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev := Event{Seq: h.seq, Name: name, Data: data}

	delivered := false
	for sub := range h.live[deviceID] {
		if sub.push(ev) {
			delivered = true
			continue
		}
		slog.Default().Warn("fanout: closing slow subscriber",
			"device_id", deviceID,
			"connection_id", sub.ConnectionID,
		)
		h.removeLocked(sub, ErrSlowConsumer, true)
		h.queueLocked(deviceID).overflow = true
	}
	if delivered {
		metrics.FanoutEventsTotal.WithLabelValues(name, "live").Inc()
		return ev
	}

	h.enqueueLocked(deviceID, ev)
	metrics.FanoutEventsTotal.WithLabelValues(name, "queued").Inc()
	return ev
}

// Detach removes one connection. When it was the device's last one, events
// its writer had not taken yet go back to the front of the offline queue;
// other connections of the device already hold their own copies.
func (h *Hub) Detach(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, ErrDetached, true)
}

// DisconnectDevice closes every live connection of a revoked device and
// forgets anything queued for it.
func (h *Hub) DisconnectDevice(deviceID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for sub := range h.live[deviceID] {
		h.removeLocked(sub, ErrDeviceRevoked, false)
		n++
	}
	if q, ok := h.queues[deviceID]; ok {
		metrics.FanoutQueuedEvents.Sub(float64(len(q.events)))
		delete(h.queues, deviceID)
	}
	return n
}

func (h *Hub) Online(deviceID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live[deviceID]) > 0
}

// Queued reports how many events wait for deviceID and whether its queue has
// overflowed.
func (h *Hub) Queued(deviceID uuid.UUID) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[deviceID]
	if !ok {
		return 0, false
	}
	return len(q.events), q.overflow
}

func (h *Hub) queueLocked(deviceID uuid.UUID) *queue {
	q, ok := h.queues[deviceID]
	if !ok {
		q = &queue{}
		h.queues[deviceID] = q
	}
	return q
}

// enqueueLocked appends ev to the device's offline queue, evicting the oldest
// event when the queue is full.
func (h *Hub) enqueueLocked(deviceID uuid.UUID, ev Event) {
	q := h.queueLocked(deviceID)
	if len(q.events) >= h.cfg.OfflineCap {
		copy(q.events, q.events[1:])
		q.events = q.events[:len(q.events)-1]
		q.overflow = true
		metrics.FanoutEvictionsTotal.Inc()
	} else {
		metrics.FanoutQueuedEvents.Inc()
	}
	q.events = append(q.events, ev)
}

// requeueLocked puts events a closed connection never took ahead of anything
// queued since, keeping the newest OfflineCap of them.
func (h *Hub) requeueLocked(deviceID uuid.UUID, events []Event) {
	if len(events) == 0 {
		return
	}
	q := h.queueLocked(deviceID)
	merged := append(append(make([]Event, 0, len(events)+len(q.events)), events...), q.events...)
	if drop := len(merged) - h.cfg.OfflineCap; drop > 0 {
		merged = merged[drop:]
		q.overflow = true
		metrics.FanoutEvictionsTotal.Add(float64(drop))
	}
	metrics.FanoutQueuedEvents.Add(float64(len(merged) - len(q.events)))
	q.events = merged
}

// removeLocked closes sub. With keep set and no other connection left for the
// device, its untaken events move to the offline queue.
func (h *Hub) removeLocked(sub *Subscription, reason error, keep bool) {
	subs := h.live[sub.DeviceID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.live, sub.DeviceID)
	}
	metrics.SocketSessionsActive.Dec()
	left := sub.close(reason)
	if keep && len(subs) == 0 {
		h.requeueLocked(sub.DeviceID, replayable(left))
	}
}

// replayable drops events that were never sequenced by the hub. Those came
// from storage replay and are rebuilt on the next connect anyway.
func replayable(events []Event) []Event {
	out := events[:0]
	for _, ev := range events {
		if ev.Seq != 0 {
			out = append(out, ev)
		}
	}
	return out
}

// Subscription is the outbound side of one connection. Exactly one goroutine
// should call Next.
type Subscription struct {
	hub          *Hub
	UserID       uuid.UUID
	DeviceID     uuid.UUID
	ConnectionID uuid.UUID

	mu      sync.Mutex
	pending []Event
	limit   int
	closed  bool
	reason  error

	notify chan struct{}
	done   chan struct{}
}

func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if len(s.pending) >= s.limit {
		return false
	}
	s.pending = append(s.pending, ev)
	s.signal()
	return true
}

// Prepend places events ahead of anything pending. It is used to replay
// durable state right after Attach.
func (s *Subscription) Prepend(events []Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(append(make([]Event, 0, len(events)+len(s.pending)), events...), s.pending...)
	if n := len(s.pending); n > s.limit {
		s.limit = n + s.hub.cfg.SendBuffer
	}
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// close marks s closed and hands back the events its writer never took.
func (s *Subscription) close(reason error) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.reason = reason
	left := s.pending
	s.pending = nil
	close(s.done)
	return left
}

// Next blocks until an event is ready, the subscription is closed, or ctx is
// done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			err := s.reason
			s.mu.Unlock()
			return Event{}, err
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending[0] = Event{}
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Done is closed once the subscription is detached or dropped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is the reason the subscription closed, or nil while it is open.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
