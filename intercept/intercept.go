// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package intercept taps stanza traffic on its way through the router: a
// synchronous interceptor chain that can veto delivery, and an asynchronous
// copier that fans snapshots out to audit subscribers without adding latency
// to the routing path.
package intercept // import "mellium.im/xmppd/intercept"

import (
	"context"
	"log/slog"
	"sync"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// RejectedError is returned by an interceptor to veto a stanza. The optional
// Text is relayed to the sender when an incoming, unprocessed stanza is
// rejected; it is never exposed for outgoing traffic.
type RejectedError struct {
	Text string
}

func (e *RejectedError) Error() string {
	if e.Text == "" {
		return "intercept: stanza rejected"
	}
	return "intercept: stanza rejected: " + e.Text
}

// Interceptor inspects a stanza in the routing hot path. The sess address
// identifies the session the stanza was read from or is being written to.
// Interceptors are called twice per stanza, once before processing and once
// after; a rejection is only meaningful before.
type Interceptor interface {
	Intercept(ctx context.Context, st stanza.Stanza, sess jid.JID, incoming, processed bool) error
}

// The InterceptorFunc type is an adapter to allow the use of ordinary
// functions as interceptors.
type InterceptorFunc func(ctx context.Context, st stanza.Stanza, sess jid.JID, incoming, processed bool) error

// Intercept calls f.
func (f InterceptorFunc) Intercept(ctx context.Context, st stanza.Stanza, sess jid.JID, incoming, processed bool) error {
	return f(ctx, st, sess, incoming, processed)
}

// Chain runs interceptors in registration order.
type Chain struct {
	// Logger is used when a post-processing rejection is discarded. If it
	// is nil the default logger is used.
	Logger *slog.Logger

	mu           sync.RWMutex
	interceptors []Interceptor
}

func (c *Chain) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Add appends an interceptor to the chain and returns the function that
// removes it again.
func (c *Chain) Add(i Interceptor) (remove func()) {
	c.mu.Lock()
	c.interceptors = append(c.interceptors, i)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for n, reg := range c.interceptors {
			if reg == i {
				c.interceptors = append(c.interceptors[:n], c.interceptors[n+1:]...)
				return
			}
		}
	}
}

// Intercept runs the chain. Before processing the first rejection
// short-circuits the remaining interceptors and is returned to the caller.
// After processing rejections have no effect on the already-processed stanza:
// they are logged and discarded, and every interceptor still runs.
func (c *Chain) Intercept(ctx context.Context, st stanza.Stanza, sess jid.JID, incoming, processed bool) error {
	c.mu.RLock()
	chain := c.interceptors
	c.mu.RUnlock()

	for _, i := range chain {
		err := i.Intercept(ctx, st, sess, incoming, processed)
		if err == nil {
			continue
		}
		if processed {
			c.logger().Debug("ignoring post-processing interceptor rejection",
				"kind", st.Kind(), "to", st.Dest().String(), "err", err)
			continue
		}
		rejectionsTotal.WithLabelValues(st.Kind()).Inc()
		return err
	}
	return nil
}

var _ Interceptor = (*Chain)(nil)
