// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza contains functionality for dealing with XMPP stanzas and
// stanza level errors.
//
// The three stanza types, IQ, Message, and Presence, carry their child
// elements as raw inner XML; the routing core decides where a stanza goes and
// only decodes payloads it handles itself (service discovery and ad-hoc
// commands). Reply construction wraps payloads using the xmlstream package.
package stanza // import "mellium.im/xmppd/stanza"

import (
	"encoding/xml"
	"strings"

	"mellium.im/xmlstream"

	"mellium.im/xmppd/jid"
)

// Stanza is implemented by IQ, Message, and Presence and provides access to
// the attributes shared by the three stanza types.
type Stanza interface {
	// Dest returns the destination address carried in the "to" attribute.
	Dest() jid.JID

	// Sender returns the origin address carried in the "from" attribute.
	Sender() jid.JID

	// StanzaID returns the stanza's "id" attribute.
	StanzaID() string

	// Kind returns the stanza's element name: "iq", "message", or "presence".
	Kind() string
}

// Is tests whether name is a valid stanza name in a client or server stream.
func Is(name xml.Name) bool {
	switch name.Local {
	case "iq", "message", "presence":
	default:
		return false
	}
	return name.Space == "" || name.Space == "jabber:client" || name.Space == "jabber:server"
}

// MarshalPayload encodes the tokens read from r and returns them as a string
// suitable for embedding as a stanza's inner XML.
func MarshalPayload(r xml.TokenReader) (string, error) {
	if r == nil {
		return "", nil
	}
	var b strings.Builder
	e := xml.NewEncoder(&b)
	if _, err := xmlstream.Copy(e, r); err != nil {
		return "", err
	}
	if err := e.Flush(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// PayloadName decodes the name of the first child element of the given inner
// XML. It returns a zero name if the payload is empty or contains no element.
func PayloadName(inner string) xml.Name {
	d := xml.NewDecoder(strings.NewReader(inner))
	for {
		tok, err := d.Token()
		if err != nil {
			return xml.Name{}
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name
		}
	}
}

// UnmarshalPayload decodes the first child element of the given inner XML into
// v using encoding/xml semantics.
func UnmarshalPayload(inner string, v interface{}) error {
	d := xml.NewDecoder(strings.NewReader(inner))
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return d.DecodeElement(v, &start)
		}
	}
}
