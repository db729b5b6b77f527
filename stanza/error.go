// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"

	"mellium.im/xmppd/internal/ns"
)

// ErrorType is the type of a stanza error payload.
// It should normally be one of the constants defined in this package.
type ErrorType string

const (
	// Cancel indicates that the error cannot be remedied and the operation
	// should not be retried.
	Cancel ErrorType = "cancel"

	// Auth indicates that an operation should be retried after providing
	// credentials.
	Auth ErrorType = "auth"

	// Continue indicates that the operation can proceed (the condition was only
	// a warning).
	Continue ErrorType = "continue"

	// Modify indicates that the operation can be retried after changing the
	// data sent.
	Modify ErrorType = "modify"

	// Wait indicates that an error is temporary and may be retried.
	Wait ErrorType = "wait"
)

// Condition represents a more specific stanza error condition that can be
// encapsulated by an <error/> element.
type Condition string

// A list of stanza error conditions defined in RFC 6120 §8.3.3, limited to the
// ones the routing core produces or inspects.
const (
	// The sender has sent a stanza containing XML that does not conform to the
	// appropriate schema or that cannot be processed; the associated error
	// type SHOULD be "modify".
	BadRequest Condition = "bad-request"

	// Access cannot be granted because an existing resource exists with the
	// same name or address; the associated error type SHOULD be "cancel".
	Conflict Condition = "conflict"

	// The requesting entity does not possess the necessary permissions to
	// perform the action; the associated error type SHOULD be "auth".
	Forbidden Condition = "forbidden"

	// The server has experienced a misconfiguration or other internal error
	// that prevents it from processing the stanza; the associated error type
	// SHOULD be "cancel".
	InternalServerError Condition = "internal-server-error"

	// The addressed JID or item requested cannot be found; the associated
	// error type SHOULD be "cancel".
	ItemNotFound Condition = "item-not-found"

	// The recipient or server understands the request but cannot process it
	// because the request does not meet criteria defined by the recipient or
	// server; the associated error type SHOULD be "cancel".
	NotAllowed Condition = "not-allowed"

	// The sender must provide credentials before being allowed to perform the
	// action or has provided improper credentials; the associated error type
	// SHOULD be "auth".
	NotAuthorized Condition = "not-authorized"

	// The server or recipient is busy or lacks the system resources necessary
	// to service the request; the associated error type SHOULD be "wait".
	ResourceConstraint Condition = "resource-constraint"

	// The server or recipient does not currently provide the requested
	// service; the associated error type SHOULD be "cancel".
	ServiceUnavailable Condition = "service-unavailable"

	// The error condition is not one of those defined by the other conditions
	// in this list.
	UndefinedCondition Condition = "undefined-condition"
)

// Error is an implementation of error intended to be marshalable and
// unmarshalable as XML.
type Error struct {
	XMLName   xml.Name
	Type      ErrorType
	Condition Condition
	Text      string
}

// Error satisfies the error interface by returning the condition and any
// human-readable text attached to the error.
func (se Error) Error() string {
	if se.Text != "" {
		return string(se.Condition) + ": " + se.Text
	}
	return string(se.Condition)
}

// TokenReader satisfies the xmlstream.Marshaler interface for Error.
func (se Error) TokenReader() xml.TokenReader {
	start := xml.StartElement{
		Name: xml.Name{Local: "error"},
	}
	if se.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: string(se.Type)})
	}

	inner := []xml.TokenReader{
		xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Space: ns.Stanza, Local: string(se.Condition)},
		}),
	}
	if se.Text != "" {
		inner = append(inner, xmlstream.Wrap(
			xmlstream.ReaderFunc(func() (xml.Token, error) {
				return xml.CharData(se.Text), io.EOF
			}),
			xml.StartElement{Name: xml.Name{Space: ns.Stanza, Local: "text"}},
		))
	}

	return xmlstream.Wrap(xmlstream.MultiReader(inner...), start)
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (se Error) WriteXML(w xmlstream.TokenWriter) (n int, err error) {
	return xmlstream.Copy(w, se.TokenReader())
}

// MarshalXML satisfies the xml.Marshaler interface for Error.
func (se Error) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := se.WriteXML(e)
	return err
}

// UnmarshalXML satisfies the xml.Unmarshaler interface for Error.
func (se *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	decoded := struct {
		Condition struct {
			XMLName xml.Name
		} `xml:",any"`
		Type ErrorType `xml:"type,attr"`
		Text []struct {
			Data string `xml:",chardata"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text"`
	}{}
	if err := d.DecodeElement(&decoded, &start); err != nil {
		return err
	}
	se.Type = decoded.Type
	if decoded.Condition.XMLName.Space == ns.Stanza {
		se.Condition = Condition(decoded.Condition.XMLName.Local)
	}
	if len(decoded.Text) > 0 {
		se.Text = decoded.Text[0].Data
	}
	return nil
}
