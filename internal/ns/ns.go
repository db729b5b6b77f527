// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants that are shared by the packages that
// make up the routing core.
package ns // import "mellium.im/xmppd/internal/ns"

// List of commonly used namespaces.
const (
	Client          = "jabber:client"
	Server          = "jabber:server"
	ComponentAccept = "jabber:component:accept"
	Stanza          = "urn:ietf:params:xml:ns:xmpp-stanzas"
	Stream          = "http://etherx.jabber.org/streams"
	DiscoInfo       = "http://jabber.org/protocol/disco#info"
	DiscoItems      = "http://jabber.org/protocol/disco#items"
	Commands        = "http://jabber.org/protocol/commands"
	Forms           = "jabber:x:data"
	Intercept       = "urn:xmppd:intercept:0"
	XML             = "http://www.w3.org/XML/1998/namespace"
)
