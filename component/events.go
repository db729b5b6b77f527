// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package component

import (
	"mellium.im/xmppd/disco"
	"mellium.im/xmppd/jid"
)

// EventType distinguishes the lifecycle events emitted by the registry.
type EventType int

// The lifecycle events.
const (
	// Registered is emitted after a component has been successfully bound and
	// started.
	Registered EventType = iota

	// Unregistered is emitted whenever a subdomain is unregistered. It is
	// emitted even when the subdomain was not bound, so listeners that clean
	// up per-component state can do so unconditionally.
	Unregistered

	// InfoReceived is emitted when a component answers the registry's
	// discovery query and its cached identity metadata has been updated.
	InfoReceived
)

// String satisfies fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case Registered:
		return "registered"
	case Unregistered:
		return "unregistered"
	case InfoReceived:
		return "info_received"
	}
	return "invalid"
}

// Event is a component lifecycle notification.
type Event struct {
	Type      EventType
	Subdomain string

	// Addr is the component's routable address. It is the zero JID on an
	// Unregistered event for a subdomain that was never bound.
	Addr jid.JID

	// Info is the component's discovered identity metadata. It is only set
	// on InfoReceived events.
	Info *disco.InfoResult
}

// Listener receives component lifecycle events. Listeners are called
// synchronously from registry operations and must not block.
type Listener func(Event)
