package alerts

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-sentinel/internal/metrics"
)

const subscriberBuffer = 64

// Subscription is one live consumer of the alert stream.
type Subscription struct {
	ID string
	C  <-chan *Alert

	ch chan *Alert
}

type subscriber struct {
	ch      chan *Alert
	dropped uint64
}

// Dispatcher fans alerts out to subscribers and keeps a bounded
// in-memory ring for queries and replay. A slow subscriber loses its
// own oldest queued alerts; it never blocks publishers or peers.
type Dispatcher struct {
	mu      sync.Mutex
	ring    []*Alert
	ringCap int
	replay  int
	subs    map[string]*subscriber
	mirror  *NATSPublisher
}

func NewDispatcher(ringCap, replay int) *Dispatcher {
	if ringCap <= 0 {
		ringCap = 200
	}
	if replay < 0 {
		replay = 0
	}
	if replay > ringCap {
		replay = ringCap
	}
	return &Dispatcher{
		ringCap: ringCap,
		replay:  replay,
		subs:    make(map[string]*subscriber),
	}
}

// SetMirror attaches an optional NATS publisher. Every published alert
// is mirrored best-effort; mirror failures are logged, never fatal.
func (d *Dispatcher) SetMirror(p *NATSPublisher) {
	d.mu.Lock()
	d.mirror = p
	d.mu.Unlock()
}

// Publish assigns identity, records the alert in the ring and pushes it
// to every subscriber without blocking.
func (d *Dispatcher) Publish(a *Alert) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	d.mu.Lock()
	d.ring = append(d.ring, a)
	if len(d.ring) > d.ringCap {
		d.ring = d.ring[len(d.ring)-d.ringCap:]
	}
	mirror := d.mirror
	for id, s := range d.subs {
		if !push(s.ch, a) {
			s.dropped++
			metrics.SubscriberDropsTotal.Inc()
			if s.dropped%100 == 1 {
				log.Printf("[Dispatcher] Subscriber %s lagging, %d alerts dropped", id, s.dropped)
			}
		}
	}
	d.mu.Unlock()

	metrics.AlertsDispatchedTotal.WithLabelValues(string(a.Severity), string(a.Kind)).Inc()

	if mirror != nil {
		go func() {
			if err := mirror.Publish(a); err != nil {
				log.Printf("[Dispatcher] NATS mirror failed: %v", err)
			}
		}()
	}
}

// push enqueues without blocking, evicting the subscriber's oldest
// queued alert when its channel is full.
func push(ch chan *Alert, a *Alert) bool {
	select {
	case ch <- a:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- a:
		return false
	default:
		return false
	}
}

// Subscribe registers a consumer and pre-loads its channel with the
// most recent alerts so a fresh connection sees current context.
func (d *Dispatcher) Subscribe() *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan *Alert, subscriberBuffer+d.replay)
	start := len(d.ring) - d.replay
	if start < 0 {
		start = 0
	}
	for _, a := range d.ring[start:] {
		ch <- a
	}

	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}
	d.subs[sub.ID] = &subscriber{ch: ch}
	return sub
}

// Unsubscribe removes the consumer and closes its channel.
func (d *Dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.subs[id]; ok {
		delete(d.subs, id)
		close(s.ch)
	}
}

// Acknowledge marks an alert handled. Idempotent; false means the ID
// is unknown (or already rotated out of the ring).
func (d *Dispatcher) Acknowledge(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.ring {
		if a.ID == id {
			a.Acknowledged = true
			return true
		}
	}
	return false
}

// QueryFilter narrows a Query. Zero values mean "no constraint".
type QueryFilter struct {
	Since    time.Time
	Severity Severity
	CameraID int // -1 for all
	Limit    int
}

// Query returns matching alerts from the ring, newest first.
func (d *Dispatcher) Query(f QueryFilter) []*Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Alert
	for i := len(d.ring) - 1; i >= 0; i-- {
		a := d.ring[i]
		if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.CameraID >= 0 && a.CameraID != f.CameraID {
			continue
		}
		cp := *a
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Stats reports subscriber counts and per-subscriber drop totals.
func (d *Dispatcher) Stats() (subscribers int, drops map[string]uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	drops = make(map[string]uint64, len(d.subs))
	for id, s := range d.subs {
		drops[id] = s.dropped
	}
	return len(d.subs), drops
}
