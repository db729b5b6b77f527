// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package component implements the registry that maps subdomains to running
// components and exposes each one as a routable endpoint, along with the
// server side of the XEP-0114: Jabber Component Protocol handshake used by
// components connecting over the network.
//
// A component is a satellite service that owns a subdomain of the server
// (for example "muc" on a server for "example.com" handles every stanza
// addressed to muc.example.com).
package component // import "mellium.im/xmppd/component"

import (
	"context"
	"errors"
	"fmt"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// NSAccept is the component protocol namespace, provided as a convenience.
const NSAccept = `jabber:component:accept`

// Errors returned by the registry.
var (
	ErrAlreadyBound = errors.New("component: subdomain is already bound to a different component")
	ErrBadSubdomain = errors.New("component: invalid subdomain")
	ErrNotBound     = errors.New("component: subdomain is not bound")
)

// Component is the capability implemented by every registered component,
// internal or external.
type Component interface {
	// Initialize is called with the component's routable address before the
	// component is started. Returning an error aborts (and rolls back) the
	// registration.
	Initialize(addr jid.JID, mgr *Manager) error

	// Start is called after a successful Initialize. Returning an error
	// aborts (and rolls back) the registration.
	Start() error

	// ProcessStanza handles a stanza addressed to the component.
	ProcessStanza(ctx context.Context, st stanza.Stanza) error

	// Shutdown is called when the component is unregistered.
	Shutdown() error
}

// State is the lifecycle state of a binding.
type State int

// The lifecycle of a binding. An initialization failure returns directly to
// StateUnbound without the binding ever being observable as bound.
const (
	StateUnbound State = iota
	StateInitializing
	StateBound
	StateShuttingDown
)

// String satisfies fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateInitializing:
		return "initializing"
	case StateBound:
		return "bound"
	case StateShuttingDown:
		return "shutting_down"
	}
	return "invalid"
}

// InitializationError is returned by Register when a component's Initialize
// or Start call fails. The registration has been rolled back: neither the
// binding nor its routing entry exists.
type InitializationError struct {
	Subdomain string
	Err       error
}

// Error satisfies the error interface.
func (e *InitializationError) Error() string {
	return fmt.Sprintf("component: initializing %q: %v", e.Subdomain, e.Err)
}

// Unwrap returns the underlying cause.
func (e *InitializationError) Unwrap() error { return e.Err }
