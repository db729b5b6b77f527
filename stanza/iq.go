// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmppd/jid"
)

// IQ ("Information Query") is used as a general request/response mechanism.
// IQ's are one-to-one, provide get and set semantics, and always require a
// response in the form of a result or an error.
type IQ struct {
	XMLName  xml.Name `xml:"iq"`
	ID       string   `xml:"id,attr"`
	To       jid.JID  `xml:"to,attr,omitempty"`
	From     jid.JID  `xml:"from,attr,omitempty"`
	Lang     string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Type     IQType   `xml:"type,attr"`
	InnerXML string   `xml:",innerxml"`
}

// IQType is the type of an IQ stanza.
// It should normally be one of the constants defined in this package.
type IQType string

const (
	// GetIQ is used to query another entity for information.
	GetIQ IQType = "get"

	// SetIQ is used to provide data to another entity, set new values, and
	// replace existing values.
	SetIQ IQType = "set"

	// ResultIQ is sent in response to a successful get or set IQ.
	ResultIQ IQType = "result"

	// ErrorIQ is sent to report that an error occurred during the delivery or
	// processing of a get or set IQ.
	ErrorIQ IQType = "error"
)

// Dest satisfies the Stanza interface.
func (iq IQ) Dest() jid.JID { return iq.To }

// Sender satisfies the Stanza interface.
func (iq IQ) Sender() jid.JID { return iq.From }

// StanzaID satisfies the Stanza interface.
func (iq IQ) StanzaID() string { return iq.ID }

// Kind satisfies the Stanza interface.
func (iq IQ) Kind() string { return "iq" }

// Request reports whether the IQ requires a reply (is of type get or set).
func (iq IQ) Request() bool {
	return iq.Type == GetIQ || iq.Type == SetIQ
}

// Result returns a result IQ addressed back to the requester with the payload
// read from r (which may be nil for an empty result).
func (iq IQ) Result(r xml.TokenReader) (IQ, error) {
	inner, err := MarshalPayload(r)
	if err != nil {
		return IQ{}, err
	}
	return IQ{
		ID:       iq.ID,
		To:       iq.From,
		From:     iq.To,
		Lang:     iq.Lang,
		Type:     ResultIQ,
		InnerXML: inner,
	}, nil
}

// ErrorReply returns an error IQ addressed back to the requester carrying the
// given stanza error.
func (iq IQ) ErrorReply(se Error) IQ {
	// Errors while serializing a stanza error would themselves need an error
	// reply; fall back to the bare condition instead.
	inner, err := MarshalPayload(se.TokenReader())
	if err != nil {
		inner = "<error><" + string(se.Condition) + "/></error>"
	}
	return IQ{
		ID:       iq.ID,
		To:       iq.From,
		From:     iq.To,
		Lang:     iq.Lang,
		Type:     ErrorIQ,
		InnerXML: inner,
	}
}

// PayloadName returns the XML name of the IQ's first child element.
func (iq IQ) PayloadName() xml.Name {
	return PayloadName(iq.InnerXML)
}
