// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmppd/jid"
)

// Presence is an XMPP stanza that is used as an indication that an entity is
// available for communication. It is used to set a status message, broadcast
// availability, and advertise entity capabilities. It can be directed
// (one-to-one), or used as a broadcast mechanism (one-to-many).
type Presence struct {
	XMLName  xml.Name     `xml:"presence"`
	ID       string       `xml:"id,attr,omitempty"`
	To       jid.JID      `xml:"to,attr,omitempty"`
	From     jid.JID      `xml:"from,attr,omitempty"`
	Lang     string       `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type     PresenceType `xml:"type,attr,omitempty"`
	InnerXML string       `xml:",innerxml"`
}

// PresenceType is the type of a presence stanza.
// It should normally be one of the constants defined in this package.
type PresenceType string

const (
	// AvailablePresence is a special case that signals that the entity is
	// available for communication. It is the default and is represented on the
	// wire by the absence of a type attribute.
	AvailablePresence PresenceType = ""

	// UnavailablePresence signals that the entity is no longer available for
	// communication.
	UnavailablePresence PresenceType = "unavailable"

	// SubscribePresence is a request to subscribe to the recipient's presence.
	SubscribePresence PresenceType = "subscribe"

	// SubscribedPresence indicates that a subscription request has been
	// approved.
	SubscribedPresence PresenceType = "subscribed"

	// UnsubscribePresence unsubscribes from the recipient's presence.
	UnsubscribePresence PresenceType = "unsubscribe"

	// UnsubscribedPresence indicates that a subscription has been denied or
	// canceled.
	UnsubscribedPresence PresenceType = "unsubscribed"

	// ProbePresence is a server-generated request for an entity's current
	// presence.
	ProbePresence PresenceType = "probe"

	// ErrorPresence indicates that an error occurred while processing or
	// delivering a previously sent presence.
	ErrorPresence PresenceType = "error"
)

// Dest satisfies the Stanza interface.
func (p Presence) Dest() jid.JID { return p.To }

// Sender satisfies the Stanza interface.
func (p Presence) Sender() jid.JID { return p.From }

// StanzaID satisfies the Stanza interface.
func (p Presence) StanzaID() string { return p.ID }

// Kind satisfies the Stanza interface.
func (p Presence) Kind() string { return "presence" }
