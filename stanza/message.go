// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmppd/jid"
)

// Message is an XMPP stanza that contains a payload for direct one-to-one
// communication with another network entity. It is often used for sending
// chat messages to an individual or group chat server, or for providing other
// forms of asynchronous data transfer.
type Message struct {
	XMLName  xml.Name    `xml:"message"`
	ID       string      `xml:"id,attr,omitempty"`
	To       jid.JID     `xml:"to,attr,omitempty"`
	From     jid.JID     `xml:"from,attr,omitempty"`
	Lang     string      `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type     MessageType `xml:"type,attr,omitempty"`
	InnerXML string      `xml:",innerxml"`
}

// MessageType is the type of a message stanza.
// It should normally be one of the constants defined in this package.
type MessageType string

const (
	// NormalMessage is a standalone message that is sent outside the context of
	// a one-to-one conversation or group chat, and to which it is expected that
	// the recipient will reply.
	NormalMessage MessageType = "normal"

	// ChatMessage represents a message sent in the context of a one-to-one chat
	// session.
	ChatMessage MessageType = "chat"

	// GroupChatMessage is a message sent in the context of a multi-user chat
	// environment.
	GroupChatMessage MessageType = "groupchat"

	// HeadlineMessage is a message that provides an alert, a notification, or
	// other transient information to which no reply is expected.
	HeadlineMessage MessageType = "headline"

	// ErrorMessage is sent when an error occurs related to a previous message
	// sent by the peer.
	ErrorMessage MessageType = "error"
)

// Dest satisfies the Stanza interface.
func (m Message) Dest() jid.JID { return m.To }

// Sender satisfies the Stanza interface.
func (m Message) Sender() jid.JID { return m.From }

// StanzaID satisfies the Stanza interface.
func (m Message) StanzaID() string { return m.ID }

// Kind satisfies the Stanza interface.
func (m Message) Kind() string { return "message" }
