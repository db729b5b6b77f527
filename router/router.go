// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package router implements the routing table that maps addresses to stanza
// handlers.
//
// The routing core registers component endpoints here; session managers for
// ordinary client connections register their own routes. Lookup is by bare
// JID: resources never distinguish routes at this layer.
package router // import "mellium.im/xmppd/router"

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// Errors returned by the package.
var (
	ErrNoRoute      = errors.New("router: no route to destination")
	ErrDuplicate    = errors.New("router: a route already exists for this address")
	ErrNoDest       = errors.New("router: stanza has no destination address")
	ErrNilHandler   = errors.New("router: nil handler")
	ErrEmptyAddress = errors.New("router: empty address")
)

// Handler delivers a stanza to its destination.
type Handler interface {
	HandleStanza(ctx context.Context, st stanza.Stanza) error
}

// The HandlerFunc type is an adapter to allow the use of ordinary functions as
// stanza handlers. If f is a function with the appropriate signature,
// HandlerFunc(f) is a Handler that calls f.
type HandlerFunc func(ctx context.Context, st stanza.Stanza) error

// HandleStanza calls f(ctx, st).
func (f HandlerFunc) HandleStanza(ctx context.Context, st stanza.Stanza) error {
	return f(ctx, st)
}

// Router is the routing table consumed by the routing core.
type Router interface {
	// AddRoute registers a handler for the given address, replacing any
	// previous handler for the same address.
	AddRoute(addr jid.JID, h Handler) error

	// RemoveRoute removes the route for the given address and reports whether
	// a route existed.
	RemoveRoute(addr jid.JID) bool

	// Route delivers the stanza to the handler registered for its destination
	// address. It returns ErrNoRoute if no handler is registered.
	Route(ctx context.Context, st stanza.Stanza) error
}

// Table is an in-memory Router implementation safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	routes map[string]Handler

	// Logger is used for delivery diagnostics. If it is nil the default
	// logger is used.
	Logger *slog.Logger
}

var _ Router = (*Table)(nil)

// NewTable allocates and returns a new routing table.
func NewTable() *Table {
	return &Table{routes: make(map[string]Handler)}
}

func (t *Table) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// AddRoute registers a handler for the given address.
func (t *Table) AddRoute(addr jid.JID, h Handler) error {
	if addr.IsZero() {
		return ErrEmptyAddress
	}
	if h == nil {
		return ErrNilHandler
	}

	key := addr.Bare().String()
	t.mu.Lock()
	t.routes[key] = h
	t.mu.Unlock()
	return nil
}

// RemoveRoute removes the route for the given address.
func (t *Table) RemoveRoute(addr jid.JID) bool {
	key := addr.Bare().String()
	t.mu.Lock()
	_, ok := t.routes[key]
	delete(t.routes, key)
	t.mu.Unlock()
	return ok
}

// Lookup returns the handler registered for the given address, if any.
func (t *Table) Lookup(addr jid.JID) (Handler, bool) {
	t.mu.RLock()
	h, ok := t.routes[addr.Bare().String()]
	t.mu.RUnlock()
	return h, ok
}

// Route delivers the stanza to the handler registered for its destination.
func (t *Table) Route(ctx context.Context, st stanza.Stanza) error {
	to := st.Dest()
	if to.IsZero() {
		return ErrNoDest
	}
	h, ok := t.Lookup(to)
	if !ok {
		t.logger().Debug("no route for stanza",
			"to", to.String(), "kind", st.Kind(), "id", st.StanzaID())
		return ErrNoRoute
	}
	return h.HandleStanza(ctx, st)
}
