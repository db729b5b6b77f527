// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package intercept

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mellium.im/xmppd/component"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

// Defaults applied when the corresponding Copier fields are zero.
const (
	DefaultCapacity = 10000
	DefaultInterval = 5 * time.Second
)

// Subscription selects which traffic a subscriber receives copies of. A copy
// is delivered when the stanza kind, the direction, and the processed state
// all match a set flag.
type Subscription struct {
	IQ       bool
	Message  bool
	Presence bool

	Incoming bool
	Outgoing bool

	Unprocessed bool
	Processed   bool
}

// Matches reports whether a stanza snapshot falls under the subscription.
func (s Subscription) Matches(kind string, incoming, processed bool) bool {
	switch kind {
	case "iq":
		if !s.IQ {
			return false
		}
	case "message":
		if !s.Message {
			return false
		}
	case "presence":
		if !s.Presence {
			return false
		}
	default:
		return false
	}
	if incoming && !s.Incoming || !incoming && !s.Outgoing {
		return false
	}
	if processed && !s.Processed || !processed && !s.Unprocessed {
		return false
	}
	return true
}

type snapshot struct {
	st        stanza.Stanza
	incoming  bool
	processed bool
	taken     time.Time
}

// Copier is the asynchronous audit fan-out: producers enqueue stanza
// snapshots without ever blocking, and a single background drain delivers
// notification envelopes to matching subscribers on a fixed interval.
//
// Backpressure is absorbed by dropping: when the queue is full new snapshots
// are discarded, counted, and logged, never surfaced to the stanza sender.
type Copier struct {
	from   jid.JID
	router router.Router
	queue  chan snapshot
	Logger *slog.Logger

	mu   sync.Mutex
	subs map[string]Subscription

	stopOnce sync.Once
	stopped  chan struct{}
}

// CopierOptions configure a Copier beyond its required collaborators.
type CopierOptions struct {
	// Capacity bounds the audit queue. Zero means DefaultCapacity.
	Capacity int

	// Interval is the drain period. Zero means DefaultInterval.
	Interval time.Duration

	Logger *slog.Logger
}

// NewCopier allocates a copier that routes notification envelopes from the
// given sender address and starts its drain goroutine. Stop must be called
// to release it.
func NewCopier(from jid.JID, r router.Router, opts CopierOptions) *Copier {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	c := &Copier{
		from:    from,
		router:  r,
		queue:   make(chan snapshot, capacity),
		Logger:  opts.Logger,
		subs:    make(map[string]Subscription),
		stopped: make(chan struct{}),
	}
	go c.drain(interval)
	return c
}

func (c *Copier) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// AddSubscriber creates or replaces the audit subscription for the given
// address.
func (c *Copier) AddSubscriber(addr jid.JID, sub Subscription) {
	c.mu.Lock()
	c.subs[addr.Bare().String()] = sub
	c.mu.Unlock()
}

// RemoveSubscriber removes the subscription for the given address.
func (c *Copier) RemoveSubscriber(addr jid.JID) {
	c.mu.Lock()
	delete(c.subs, addr.Bare().String())
	c.mu.Unlock()
}

// Subscribers returns the number of active subscriptions.
func (c *Copier) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// ComponentListener returns a registry event listener that removes the audit
// subscription of any component that unregisters, whether or not it ever
// called RemoveSubscriber itself.
func (c *Copier) ComponentListener() component.Listener {
	return func(ev component.Event) {
		if ev.Type != component.Unregistered || ev.Addr.IsZero() {
			return
		}
		c.RemoveSubscriber(ev.Addr)
	}
}

// Enqueue offers a stanza snapshot to the audit queue. It never blocks: when
// the queue is full the snapshot is dropped and only accounted for.
func (c *Copier) Enqueue(st stanza.Stanza, incoming, processed bool) {
	select {
	case c.queue <- snapshot{st: st, incoming: incoming, processed: processed, taken: time.Now()}:
		copiesEnqueued.Inc()
	default:
		copiesDropped.Inc()
		c.logger().Warn("audit queue full, dropping stanza copy",
			"kind", st.Kind(), "incoming", incoming, "processed", processed)
	}
}

// Len returns the number of snapshots waiting in the queue.
func (c *Copier) Len() int { return len(c.queue) }

func (c *Copier) drain(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopped:
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

// Flush synchronously delivers everything currently queued. The periodic
// drain calls it on every tick.
func (c *Copier) Flush() { c.flush() }

func (c *Copier) flush() {
	for n := len(c.queue); n > 0; n-- {
		var snap snapshot
		select {
		case snap = <-c.queue:
		default:
			return
		}
		c.fanOut(snap)
	}
}

func (c *Copier) fanOut(snap snapshot) {
	kind := snap.st.Kind()

	c.mu.Lock()
	targets := make([]string, 0, len(c.subs))
	for addr, sub := range c.subs {
		if sub.Matches(kind, snap.incoming, snap.processed) {
			targets = append(targets, addr)
		}
	}
	c.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	envelope, err := wrapCopy(snap)
	if err != nil {
		c.logger().Warn("failed to build audit notification", "kind", kind, "err", err)
		return
	}

	for _, addr := range targets {
		to, err := jid.Parse(addr)
		if err != nil {
			continue
		}
		msg := stanza.Message{
			To:       to,
			From:     c.from,
			InnerXML: envelope,
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err = c.router.Route(ctx, msg)
		cancel()
		if err != nil {
			c.logger().Debug("failed to deliver audit notification", "to", addr, "err", err)
			continue
		}
		copiesDelivered.Inc()
	}
}

// wrapCopy serializes the snapshot inside the notification envelope element.
func wrapCopy(snap snapshot) (string, error) {
	raw, err := xml.Marshal(snap.st)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`<copy xmlns='%s' incoming='%t' processed='%t' timestamp='%s'>%s</copy>`,
		ns.Intercept, snap.incoming, snap.processed,
		snap.taken.UTC().Format(time.RFC3339Nano), raw), nil
}

// Stop halts the drain goroutine. Queued snapshots are discarded.
func (c *Copier) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}
